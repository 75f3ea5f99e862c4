package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/curio/internal/app"
	"github.com/kalambet/curio/internal/enrich"
	"github.com/kalambet/curio/internal/store"
	"github.com/kalambet/curio/internal/view"
)

// NewMCPServer creates an MCP server exposing the item tools and the sync
// status resource.
func NewMCPServer(a *app.App, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"curio",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("curio: saved links, notes and media with AI tags and summaries, stored locally and synced in the background."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("save_item",
			mcp.WithDescription("Save a link, note or other item. Tags and a summary are generated in the background."),
			mcp.WithString("kind", mcp.Description("Item kind: link, video, post, note, image or document (default link when url is set, note otherwise)")),
			mcp.WithString("url", mcp.Description("Address of the item")),
			mcp.WithString("title", mcp.Description("Title")),
			mcp.WithString("notes", mcp.Description("Free-form notes or the note text")),
			mcp.WithArray("tags", mcp.Description("Tags to attach")),
		),
		mcpSaveItem(a),
	)

	s.AddTool(
		mcp.NewTool("list_items",
			mcp.WithDescription("List saved items, newest first."),
			mcp.WithString("query", mcp.Description("Substring matched against title, description, url, notes and summary")),
			mcp.WithString("tag", mcp.Description("Only items carrying this tag")),
			mcp.WithString("tag_pattern", mcp.Description("Glob matched against tags, e.g. lang/**")),
			mcp.WithString("kind", mcp.Description("Only items of this kind")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListItems(a),
	)

	s.AddTool(
		mcp.NewTool("enrich_item",
			mcp.WithDescription("Generate an artifact (tags, summary, image_description or transcript) for an item."),
			mcp.WithString("id", mcp.Description("Item ID"), mcp.Required()),
			mcp.WithString("kind", mcp.Description("Artifact kind"), mcp.Required()),
			mcp.WithString("sub_key", mcp.Description("Artifact instance, e.g. the image URL for image_description")),
			mcp.WithBoolean("wait", mcp.Description("Wait for the artifact and return it (default false)")),
		),
		mcpEnrichItem(a),
	)

	s.AddTool(
		mcp.NewTool("delete_item",
			mcp.WithDescription("Delete an item. The remote copy is removed on the next sync."),
			mcp.WithString("id", mcp.Description("Item ID"), mcp.Required()),
		),
		mcpDeleteItem(a),
	)

	s.AddResource(
		mcp.NewResource(
			"curio://sync",
			"Sync Status",
			mcp.WithResourceDescription("Outbound sync queue statistics, pending and failed operations"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSync(a),
	)

	s.AddResource(
		mcp.NewResource(
			"curio://tags",
			"Tags",
			mcp.WithResourceDescription("Tag index with item counts"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceTags(a),
	)

	return s
}

func mcpSaveItem(a *app.App) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n := app.NewEntity{
			Kind:  store.Kind(req.GetString("kind", "")),
			URL:   strings.TrimSpace(req.GetString("url", "")),
			Title: req.GetString("title", ""),
			Notes: req.GetString("notes", ""),
			Tags:  req.GetStringSlice("tags", nil),
		}
		if n.URL == "" && n.Notes == "" && n.Title == "" {
			return mcpError("one of url, notes or title is required"), nil
		}
		if n.Kind == "" {
			n.Kind = store.KindNote
			if n.URL != "" {
				n.Kind = store.KindLink
			}
		}

		e, err := a.Create(n)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save: %v", err)), nil
		}

		var started []string
		for _, kind := range a.EnrichmentKinds() {
			if kind != store.ArtifactTags && kind != store.ArtifactSummary {
				continue
			}
			if err := a.RequestEnrichment(ctx, e.ID, kind, ""); err == nil {
				started = append(started, string(kind))
			}
		}
		if len(started) == 0 {
			return mcpText(fmt.Sprintf("Saved item %s", e.ID)), nil
		}
		return mcpText(fmt.Sprintf("Saved item %s (generating %s)", e.ID, strings.Join(started, ", "))), nil
	}
}

func mcpListItems(a *app.App) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		f := view.Filter{
			Query:      req.GetString("query", ""),
			TagPattern: req.GetString("tag_pattern", ""),
			Kind:       store.Kind(req.GetString("kind", "")),
			Limit:      limit,
		}
		if tag := req.GetString("tag", ""); tag != "" {
			f.Tags = []string{tag}
		}

		items, err := a.List(f)
		if err != nil {
			return mcpError(fmt.Sprintf("invalid filter: %v", err)), nil
		}

		type itemSummary struct {
			ID      string   `json:"id"`
			Kind    string   `json:"kind"`
			Title   string   `json:"title"`
			URL     string   `json:"url,omitempty"`
			Tags    []string `json:"tags"`
			Summary string   `json:"summary,omitempty"`
		}
		out := make([]itemSummary, len(items))
		for i, e := range items {
			out[i] = itemSummary{ID: e.ID, Kind: string(e.Kind), Title: e.Title, URL: e.URL, Tags: e.Tags, Summary: e.Summary}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal items: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpEnrichItem(a *app.App) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		kind, err := req.RequireString("kind")
		if err != nil {
			return mcpError("kind is required"), nil
		}

		subKey := req.GetString("sub_key", "")
		if req.GetBool("wait", false) {
			art, err := a.Generate(ctx, id, store.ArtifactKind(kind), subKey)
			switch {
			case errors.Is(err, enrich.ErrBusy):
				return mcpText(fmt.Sprintf("%s for %s is already being generated", kind, id)), nil
			case err != nil:
				return mcpError(fmt.Sprintf("enrichment failed: %v", err)), nil
			}
			return mcpText(fmt.Sprintf("%s for %s:\n%s", kind, id, art.Value)), nil
		}

		err = a.RequestEnrichment(ctx, id, store.ArtifactKind(kind), subKey)
		switch {
		case errors.Is(err, enrich.ErrBusy):
			return mcpText(fmt.Sprintf("%s for %s is already being generated", kind, id)), nil
		case err != nil:
			return mcpError(fmt.Sprintf("failed to start enrichment: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Generating %s for %s", kind, id)), nil
	}
}

func mcpDeleteItem(a *app.App) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if err := a.DeleteEntity(id); err != nil {
			return mcpError(fmt.Sprintf("failed to delete: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted item %s", id)), nil
	}
}

func mcpResourceSync(a *app.App) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(a.SyncStatus())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sync status: %w", err)
		}
		return jsonResource(req.Params.URI, b), nil
	}
}

func mcpResourceTags(a *app.App) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(a.Tags())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tags: %w", err)
		}
		return jsonResource(req.Params.URI, b), nil
	}
}

func jsonResource(uri string, b []byte) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
