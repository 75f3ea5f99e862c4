package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/curio/internal/app"
	"github.com/kalambet/curio/internal/config"
	"github.com/kalambet/curio/internal/store"
	"github.com/kalambet/curio/internal/syncq"
)

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// --- add ---

var addCmd = &cobra.Command{
	Use:   "add [url]",
	Short: "Save a link, note or file",
	Long: `Save a link, note or file.

Examples:
  curio add https://go.dev/blog/range-functions --tags go,reading
  curio add --note "try the new iterator package" --title "Iterators"
  curio add --file ./notes.md --tags notes`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := addRequest(cmd, args)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmdContext(cmd), "/items", req)
		if err != nil {
			return err
		}

		var result struct {
			Item     store.Entity         `json:"item"`
			Enriched []store.ArtifactKind `json:"enriched"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Saved %s %s", result.Item.Kind, colorize(colorCyan, result.Item.ID))
		if len(result.Enriched) > 0 {
			printStatus("Generating", "%s", joinKinds(result.Enriched))
		}
		return nil
	},
}

func addRequest(cmd *cobra.Command, args []string) (map[string]any, error) {
	note, _ := cmd.Flags().GetString("note")
	file, _ := cmd.Flags().GetString("file")
	title, _ := cmd.Flags().GetString("title")
	kind, _ := cmd.Flags().GetString("kind")
	tags, _ := cmd.Flags().GetString("tags")
	enrich, _ := cmd.Flags().GetString("enrich")

	var link string
	if len(args) == 1 {
		link = args[0]
	}
	if link == "" && note == "" && file == "" {
		return nil, fmt.Errorf("a url, --note, or --file is required")
	}

	req := map[string]any{}
	switch {
	case link != "":
		req["url"] = link
		if kind == "" {
			kind = string(store.KindLink)
		}
		if note != "" {
			req["notes"] = note
		}
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading file: %w", err)
		}
		req["notes"] = string(data)
		if title == "" {
			title = file
		}
	default:
		req["notes"] = note
	}
	if kind == "" {
		kind = string(store.KindNote)
	}
	req["kind"] = kind
	if title != "" {
		req["title"] = title
	}
	if t := splitList(tags); t != nil {
		req["tags"] = t
	}
	if e := splitList(enrich); e != nil {
		req["enrich"] = e
	}
	return req, nil
}

func init() {
	addCmd.Flags().String("note", "", "note text")
	addCmd.Flags().String("file", "", "save a text file's content as a note")
	addCmd.Flags().String("title", "", "title for the item")
	addCmd.Flags().String("kind", "", "item kind (link, video, post, note, image, document)")
	addCmd.Flags().String("tags", "", "comma-separated tags")
	addCmd.Flags().String("enrich", "tags,summary", "comma-separated artifacts to generate")
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list [query]",
	Short: "List saved items",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if len(args) > 0 {
			q.Set("q", strings.Join(args, " "))
		}
		if kind, _ := cmd.Flags().GetString("kind"); kind != "" {
			q.Set("kind", kind)
		}
		tags, _ := cmd.Flags().GetStringSlice("tag")
		for _, t := range tags {
			q.Add("tag", t)
		}
		if pattern, _ := cmd.Flags().GetString("tag-pattern"); pattern != "" {
			q.Set("tag_pattern", pattern)
		}
		if sort, _ := cmd.Flags().GetString("sort"); sort != "" {
			q.Set("sort", sort)
		}
		if deleted, _ := cmd.Flags().GetBool("deleted"); deleted {
			q.Set("deleted", "true")
		}
		limit, _ := cmd.Flags().GetInt("limit")
		q.Set("limit", strconv.Itoa(limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmdContext(cmd), "/items?"+q.Encode())
		if err != nil {
			return err
		}

		var items []store.Entity
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No items found.")
			return nil
		}

		now := time.Now()
		for _, e := range items {
			line := fmt.Sprintf("%s  %-8s  %s",
				colorize(colorCyan, shortID(e.ID)),
				e.Kind,
				clip(e.Title, 60),
			)
			if len(e.Tags) > 0 {
				line += "  " + colorize(colorDim, "#"+strings.Join(e.Tags, " #"))
			}
			if e.Deleted {
				line += "  " + colorize(colorRed, "(deleted)")
			}
			fmt.Printf("%s  %s\n", line, colorize(colorDim, ago(e.UpdatedAt, now)))
		}
		return nil
	},
}

func init() {
	listCmd.Flags().String("kind", "", "only items of this kind")
	listCmd.Flags().StringSlice("tag", nil, "only items carrying every given tag")
	listCmd.Flags().String("tag-pattern", "", "only items with a tag matching this glob (e.g. lang/**)")
	listCmd.Flags().String("sort", "", "sort order: newest, oldest, updated or title")
	listCmd.Flags().Bool("deleted", false, "include items pending deletion")
	listCmd.Flags().Int("limit", 50, "maximum number of items to list")
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an item with its artifacts as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmdContext(cmd), "/items/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var item any
		if err := decodeJSON(resp, &item); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(item)
	},
}

// --- tag ---

var tagCmd = &cobra.Command{
	Use:   "tag <id> [+tag|-tag]...",
	Short: "Add or remove tags; without changes, list all tags",
	Long: `Add or remove tags on an item.

Examples:
  curio tag 1f2e3d4c +go +reading -todo
  curio tag            (lists every tag with its item count)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmdContext(cmd)

		if len(args) == 0 {
			resp, err := client.get(ctx, "/tags")
			if err != nil {
				return err
			}
			var tags []store.Tag
			if err := decodeJSON(resp, &tags); err != nil {
				return err
			}
			for _, t := range tags {
				fmt.Printf("%5d  %s\n", t.Count, t.Name)
			}
			return nil
		}

		patch, err := tagPatch(args[1:])
		if err != nil {
			return err
		}
		resp, err := client.patch(ctx, "/items/"+url.PathEscape(args[0]), patch)
		if err != nil {
			return err
		}
		var e store.Entity
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}
		printSuccess("Tags: %s", strings.Join(e.Tags, ", "))
		return nil
	},
}

func tagPatch(changes []string) (store.Patch, error) {
	var p store.Patch
	if len(changes) == 0 {
		return p, fmt.Errorf("expected at least one +tag or -tag")
	}
	for _, c := range changes {
		switch {
		case strings.HasPrefix(c, "+") && len(c) > 1:
			p.AddTags = append(p.AddTags, c[1:])
		case strings.HasPrefix(c, "-") && len(c) > 1:
			p.RemoveTags = append(p.RemoveTags, c[1:])
		default:
			return p, fmt.Errorf("invalid tag change %q: prefix with + or -", c)
		}
	}
	return p, nil
}

// --- enrich ---

var enrichCmd = &cobra.Command{
	Use:   "enrich <id> <artifact>",
	Short: "Generate an artifact (tags, summary, image_description, transcript)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		subKey, _ := cmd.Flags().GetString("sub-key")
		wait, _ := cmd.Flags().GetBool("wait")
		status, _ := cmd.Flags().GetBool("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/items/" + url.PathEscape(args[0]) + "/enrich"

		if status {
			resp, err := client.get(cmdContext(cmd), path+"/"+url.PathEscape(args[1]))
			if err != nil {
				return err
			}
			var st struct {
				Status string `json:"status"`
			}
			if err := decodeJSON(resp, &st); err != nil {
				return err
			}
			printStatus(args[1]+" for "+args[0], "%s", st.Status)
			return nil
		}

		body := map[string]any{"kind": args[1]}
		if subKey != "" {
			body["sub_key"] = subKey
		}
		if wait {
			body["wait"] = true
		}
		resp, err := client.post(cmdContext(cmd), path, body)
		if err != nil {
			return err
		}

		var result struct {
			ID       string `json:"id"`
			Kind     string `json:"kind"`
			EntityID string `json:"entity_id"`
			Value    string `json:"value"`
		}
		err = decodeJSON(resp, &result)
		var ae *apiError
		if errors.As(err, &ae) && ae.Type == "busy" {
			printWarning("%s is already being generated for %s", args[1], args[0])
			return nil
		}
		if err != nil {
			return err
		}
		if wait {
			printSuccess("%s for %s", result.Kind, result.EntityID)
			fmt.Println(result.Value)
			return nil
		}
		printSuccess("Generating %s for %s", result.Kind, result.ID)
		return nil
	},
}

func init() {
	enrichCmd.Flags().String("sub-key", "", "artifact sub key (image URL for image_description)")
	enrichCmd.Flags().Bool("wait", false, "wait for the artifact and print it")
	enrichCmd.Flags().Bool("status", false, "show whether a generation is running or last failed")
}

// --- rm ---

var rmCmd = &cobra.Command{
	Use:   "rm <id>...",
	Short: "Delete items",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var failures int
		for _, id := range args {
			resp, err := client.delete(cmdContext(cmd), "/items/"+url.PathEscape(id))
			if err == nil {
				err = decodeJSON(resp, nil)
			}
			if err != nil {
				printError("Failed to delete %s: %v", id, err)
				failures++
				continue
			}
			printSuccess("Deleted %s", id)
		}
		if failures > 0 {
			return fmt.Errorf("%d of %d deletions failed", failures, len(args))
		}
		return nil
	},
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Inspect and manage the sync queue",
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue statistics and pending ops",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmdContext(cmd), "/sync")
		if err != nil {
			return err
		}
		var st app.SyncStatus
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		printStatus("Pending", "%d of %d", st.Stats.Pending, st.Stats.Capacity)
		printStatus("In flight", "%d", st.Stats.InFlight)
		printStatus("Failed", "%d", st.Stats.Failed)
		printStatus("Acked", "%d", st.Stats.Acked)
		printStatus("Coalesced", "%d", st.Stats.Coalesced)
		if !st.Stats.OldestEnqueuedAt.IsZero() {
			printStatus("Oldest", "%s", ago(st.Stats.OldestEnqueuedAt, time.Now()))
		}
		for _, k := range st.Enrichments {
			printStatus("Generating", "%s for %s", k.Kind, k.EntityID)
		}
		printOps(st.Pending)
		return nil
	},
}

var syncFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Send every due op now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmdContext(cmd), "/sync/flush", nil)
		if err != nil {
			return err
		}
		var result struct {
			Processed int `json:"processed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Processed %d ops", result.Processed)
		return nil
	},
}

var syncFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List ops that exhausted their retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmdContext(cmd), "/sync/failed")
		if err != nil {
			return err
		}
		var ops []syncq.Op
		if err := decodeJSON(resp, &ops); err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No failed ops.")
			return nil
		}
		printOps(ops)
		return nil
	},
}

var syncRetryCmd = &cobra.Command{
	Use:   "retry <op-id>",
	Short: "Queue a failed op again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmdContext(cmd), "/sync/failed/"+url.PathEscape(args[0])+"/retry", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Op %s: %s", args[0], result["outcome"])
		return nil
	},
}

var syncDiscardCmd = &cobra.Command{
	Use:   "discard <op-id>",
	Short: "Drop a failed op",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmdContext(cmd), "/sync/failed/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Discarded op %s", args[0])
		return nil
	},
}

func printOps(ops []syncq.Op) {
	now := time.Now()
	for _, op := range ops {
		line := fmt.Sprintf("%s  %-15s  %s/%s  attempts=%d  %s",
			colorize(colorCyan, shortID(op.ID)),
			op.Kind,
			op.Namespace, op.TargetID,
			op.Attempts,
			colorize(colorDim, ago(op.EnqueuedAt, now)),
		)
		fmt.Println(line)
		if op.LastError != "" {
			fmt.Printf("    %s\n", colorize(colorRed, clip(op.LastError, 120)))
		}
	}
}

func init() {
	syncCmd.AddCommand(syncStatusCmd, syncFlushCmd, syncFailedCmd, syncRetryCmd, syncDiscardCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Restore a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> [value]",
	Short: "Store a secret in the keychain (value read from stdin when omitted)",
	Long:  "Store a secret in the keychain. Keys: " + strings.Join(config.SecretKeys(), ", "),
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		var value string
		if len(args) == 2 {
			value = args[1]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("reading secret: %w", err)
			}
			value = strings.TrimSpace(line)
		}
		if value == "" {
			return errors.New("empty secret")
		}

		if err := config.SetSecret(key, value); err != nil {
			return err
		}
		printSuccess("Stored %s in the keychain", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd, configSetSecretCmd)
}

func joinKinds(kinds []store.ArtifactKind) string {
	s := make([]string, len(kinds))
	for i, k := range kinds {
		s[i] = string(k)
	}
	return strings.Join(s, ", ")
}
