// Command privstackd is the PrivStack workspace daemon and CLI: a cobra
// command tree over pkg/engine.Handle, with logrus for daemon diagnostics
// in place of ad hoc stdlib logging.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/privstack/core/pkg/engine"
)

var log = logrus.New()

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var workspace string
	var verbose bool

	root := &cobra.Command{
		Use:           "privstackd",
		Short:         "PrivStack local-first workspace daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
			log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		},
	}

	defaultWorkspace := defaultWorkspaceDir()
	root.PersistentFlags().StringVar(&workspace, "workspace", defaultWorkspace, "workspace directory (env PRIVSTACK_WORKSPACE)")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	root.AddCommand(
		newInitCmd(&workspace),
		newDaemonCmd(&workspace),
		newStatusCmd(&workspace),
		newInviteCmd(&workspace),
		newPairCmd(&workspace),
		newEntityCmd(&workspace),
		newAclCmd(&workspace),
		newVaultCmd(&workspace),
		newSearchCmd(&workspace),
		newExportCmd(&workspace),
		newImportCmd(&workspace),
	)
	return root
}

// defaultWorkspaceDir defaults to ~/.privstack, honoring a .env-loaded
// PRIVSTACK_WORKSPACE override first -- godotenv.Load is a no-op when no
// .env file is present, so this is safe to call unconditionally in any
// working directory.
func defaultWorkspaceDir() string {
	_ = godotenv.Load()
	if dir := os.Getenv("PRIVSTACK_WORKSPACE"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".privstack"
	}
	return filepath.Join(home, ".privstack")
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		return []byte(strings.TrimRight(line, "\r\n")), nil
	}
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return pw, err
}

// openUnlocked opens workspace and unlocks it, prompting for a password
// on the controlling terminal.
func openUnlocked(workspace string) (*engine.Handle, error) {
	h, err := engine.Open(workspace)
	if err != nil {
		return nil, err
	}
	password, err := readPassword("Workspace password: ")
	if err != nil {
		h.Close()
		return nil, err
	}
	if err := h.Unlock(password); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func newInitCmd(workspace *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a new workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := engine.Open(*workspace)
			if err != nil {
				return err
			}
			defer h.Close()

			pass1, err := readPassword("New workspace password: ")
			if err != nil {
				return err
			}
			pass2, err := readPassword("Confirm password: ")
			if err != nil {
				return err
			}
			if string(pass1) != string(pass2) {
				return fmt.Errorf("passwords do not match")
			}
			if err := h.Unlock(pass1); err != nil {
				return err
			}
			log.WithField("workspace", *workspace).WithField("peer_id", h.LocalPeerID().String()).Info("workspace initialized")
			return nil
		},
	}
}

func newDaemonCmd(workspace *string) *cobra.Command {
	var listen []string
	var syncCode string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Unlock the workspace and run the sync engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openUnlocked(*workspace)
			if err != nil {
				return err
			}
			defer h.Close()

			h.Logger = logrusSyncLogger{entry: log.WithField("component", "sync")}

			if syncCode == "" {
				syncCode = "default"
			}
			if len(listen) == 0 {
				listen = []string{"/ip4/0.0.0.0/udp/0/quic-v1"}
			}
			if err := h.StartSync(listen, syncCode); err != nil {
				return err
			}
			defer h.StopSync()

			log.WithField("peer_id", h.LocalPeerID().String()).Info("daemon started, discovering peers")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			log.Info("shutting down")
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&listen, "listen", nil, "libp2p listen multiaddrs (repeatable)")
	cmd.Flags().StringVar(&syncCode, "sync-code", "", "rendezvous namespace code shared with paired peers")
	return cmd
}

func newStatusCmd(workspace *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openUnlocked(*workspace)
			if err != nil {
				return err
			}
			defer h.Close()

			fmt.Println("Workspace status")
			fmt.Println("-----------------")
			fmt.Printf("  Directory: %s\n", *workspace)
			fmt.Printf("  Peer ID:   %s\n", h.LocalPeerID().String())
			return nil
		},
	}
}

func newInviteCmd(workspace *string) *cobra.Command {
	var listen []string
	var qrSize int

	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Generate a signed pairing invite and QR code",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openUnlocked(*workspace)
			if err != nil {
				return err
			}
			defer h.Close()

			if len(listen) == 0 {
				listen = []string{"/ip4/0.0.0.0/udp/0/quic-v1"}
			}
			invite, qrPNG, err := h.GenerateInvite(listen, qrSize)
			if err != nil {
				return err
			}

			qrPath := filepath.Join(*workspace, "invite-qr.png")
			if err := os.WriteFile(qrPath, qrPNG, 0o600); err != nil {
				return err
			}
			fmt.Printf("Invite code: %s\n", invite)
			fmt.Printf("QR code written to: %s\n", qrPath)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&listen, "listen", nil, "libp2p listen multiaddrs to advertise (repeatable)")
	cmd.Flags().IntVar(&qrSize, "qr-size", 256, "QR code image size in pixels")
	return cmd
}

func newPairCmd(workspace *string) *cobra.Command {
	var label string

	cmd := &cobra.Command{
		Use:   "pair <invite-code>",
		Short: "Redeem a pairing invite and trust the inviting peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openUnlocked(*workspace)
			if err != nil {
				return err
			}
			defer h.Close()

			if err := h.RedeemInvite(args[0], label); err != nil {
				return err
			}
			fmt.Println("Peer trusted. Start the daemon to begin syncing.")
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "paired-peer", "label to store this peer under")
	return cmd
}

func newEntityCmd(workspace *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity",
		Short: "Create, read, update, delete, and query entities (note, task, contact, bookmark, credential)",
	}
	cmd.AddCommand(
		newEntityCreateCmd(workspace),
		newEntityReadCmd(workspace),
		newEntityUpdateCmd(workspace),
		newEntityDeleteCmd(workspace),
		newEntityQueryCmd(workspace),
	)
	return cmd
}

func runExecute(workspace string, req engine.Request) error {
	h, err := openUnlocked(workspace)
	if err != nil {
		return err
	}
	defer h.Close()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return err
	}
	respJSON := h.Execute(reqJSON)

	var resp engine.Response
	if err := json.Unmarshal(respJSON, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s (code %d)", resp.ErrorMessage, resp.ErrorCode)
	}
	if len(resp.Data) > 0 {
		var buf strings.Builder
		if err := json.Indent(&buf, resp.Data, "", "  "); err != nil {
			fmt.Println(string(resp.Data))
			return nil
		}
		fmt.Println(buf.String())
	}
	return nil
}

func newEntityCreateCmd(workspace *string) *cobra.Command {
	var entityType, payload string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(*workspace, engine.Request{
				PluginID:   "entity",
				Action:     "create",
				EntityType: entityType,
				Payload:    json.RawMessage(payload),
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "note", "entity type")
	cmd.Flags().StringVar(&payload, "data", "{}", "entity data as a JSON object")
	return cmd
}

func newEntityReadCmd(workspace *string) *cobra.Command {
	var entityType string
	cmd := &cobra.Command{
		Use:   "read <entity-id>",
		Short: "Read an entity by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(*workspace, engine.Request{
				PluginID:   "entity",
				Action:     "read",
				EntityType: entityType,
				EntityID:   args[0],
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "note", "entity type")
	return cmd
}

func newEntityUpdateCmd(workspace *string) *cobra.Command {
	var entityType, payload string
	cmd := &cobra.Command{
		Use:   "update <entity-id>",
		Short: "Update an entity's data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(*workspace, engine.Request{
				PluginID:   "entity",
				Action:     "update",
				EntityType: entityType,
				EntityID:   args[0],
				Payload:    json.RawMessage(payload),
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "note", "entity type")
	cmd.Flags().StringVar(&payload, "data", "{}", "replacement entity data as a JSON object")
	return cmd
}

func newEntityDeleteCmd(workspace *string) *cobra.Command {
	var entityType string
	cmd := &cobra.Command{
		Use:   "delete <entity-id>",
		Short: "Delete an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(*workspace, engine.Request{
				PluginID:   "entity",
				Action:     "delete",
				EntityType: entityType,
				EntityID:   args[0],
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "note", "entity type")
	return cmd
}

func newEntityQueryCmd(workspace *string) *cobra.Command {
	var entityType string
	var limit int
	var equalsFlags []string
	var queryStr string
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query entities by indexed field equality, or a SQL-like --query string",
		RunE: func(cmd *cobra.Command, args []string) error {
			equals := map[string]string{}
			for _, kv := range equalsFlags {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid --equals %q, expected field=value", kv)
				}
				equals[parts[0]] = parts[1]
			}
			payload, err := json.Marshal(struct {
				IndexedEquals map[string]string `json:"indexed_equals,omitempty"`
				Query         string             `json:"query,omitempty"`
				Limit         int                `json:"limit,omitempty"`
			}{IndexedEquals: equals, Query: queryStr, Limit: limit})
			if err != nil {
				return err
			}
			return runExecute(*workspace, engine.Request{
				PluginID:   "entity",
				Action:     "query",
				EntityType: entityType,
				Payload:    payload,
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "note", "entity type")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results (0 = unlimited)")
	cmd.Flags().StringSliceVar(&equalsFlags, "equals", nil, "indexed field filter field=value (repeatable)")
	cmd.Flags().StringVar(&queryStr, "query", "", `SQL-like filter, e.g. "WHERE title LIKE '%foo%' ORDER BY title DESC LIMIT 10"`)
	return cmd
}

func newSearchCmd(workspace *string) *cobra.Command {
	var entityType string
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search across indexed entity text fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := json.Marshal(struct {
				Query string `json:"query"`
				Limit int    `json:"limit,omitempty"`
			}{Query: args[0], Limit: limit})
			if err != nil {
				return err
			}
			return runExecute(*workspace, engine.Request{
				PluginID:   "search",
				Action:     "query",
				EntityType: entityType,
				Payload:    payload,
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "restrict to one entity type")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results (0 = default 50)")
	return cmd
}

func newAclCmd(workspace *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acl",
		Short: "Manage per-entity access control",
	}

	grantPeer := &cobra.Command{
		Use:   "grant-peer <entity-id> <peer-id> <permission>",
		Args:  cobra.ExactArgs(3),
		Short: "Grant a peer read/write/admin access to an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, _ := json.Marshal(struct {
				Peer       string `json:"peer"`
				Permission string `json:"permission"`
			}{Peer: args[1], Permission: args[2]})
			return runExecute(*workspace, engine.Request{PluginID: "acl", Action: "grant_peer", EntityID: args[0], Payload: payload})
		},
	}
	revokePeer := &cobra.Command{
		Use:   "revoke-peer <entity-id> <peer-id>",
		Args:  cobra.ExactArgs(2),
		Short: "Revoke a peer's access to an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, _ := json.Marshal(struct {
				Peer string `json:"peer"`
			}{Peer: args[1]})
			return runExecute(*workspace, engine.Request{PluginID: "acl", Action: "revoke_peer", EntityID: args[0], Payload: payload})
		},
	}
	setDefault := &cobra.Command{
		Use:   "set-default <entity-id> <permission>",
		Args:  cobra.ExactArgs(2),
		Short: "Set the default permission for peers with no explicit grant",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, _ := json.Marshal(struct {
				DefaultPermission string `json:"default_permission"`
			}{DefaultPermission: args[1]})
			return runExecute(*workspace, engine.Request{PluginID: "acl", Action: "set_default", EntityID: args[0], Payload: payload})
		},
	}

	cmd.AddCommand(grantPeer, revokePeer, setDefault)
	return cmd
}

func newVaultCmd(workspace *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage password-scoped key/value vaults",
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Create a new vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword("Vault password: ")
			if err != nil {
				return err
			}
			payload, _ := json.Marshal(struct {
				VaultName string `json:"vault_name"`
				Password  string `json:"password"`
			}{VaultName: args[0], Password: string(password)})
			return runExecute(*workspace, engine.Request{PluginID: "vault", Action: "create", Payload: payload})
		},
	}

	put := &cobra.Command{
		Use:   "put <name> <key> <value>",
		Args:  cobra.ExactArgs(3),
		Short: "Store a value under key in vault name",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword("Vault password: ")
			if err != nil {
				return err
			}
			payload, _ := json.Marshal(struct {
				VaultName string `json:"vault_name"`
				Password  string `json:"password"`
				Key       string `json:"key"`
				Value     []byte `json:"value"`
			}{VaultName: args[0], Password: string(password), Key: args[1], Value: []byte(args[2])})
			return runExecute(*workspace, engine.Request{PluginID: "vault", Action: "put", Payload: payload})
		},
	}

	get := &cobra.Command{
		Use:   "get <name> <key>",
		Args:  cobra.ExactArgs(2),
		Short: "Read a value from vault name",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword("Vault password: ")
			if err != nil {
				return err
			}
			payload, _ := json.Marshal(struct {
				VaultName string `json:"vault_name"`
				Password  string `json:"password"`
				Key       string `json:"key"`
			}{VaultName: args[0], Password: string(password), Key: args[1]})
			return runExecute(*workspace, engine.Request{PluginID: "vault", Action: "get", Payload: payload})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List vault names",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(*workspace, engine.Request{PluginID: "vault", Action: "list"})
		},
	}

	cmd.AddCommand(create, put, get, list)
	return cmd
}

func newExportCmd(workspace *string) *cobra.Command {
	var format string
	var entityTypes []string
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export entities to JSON or a directory of Markdown notes",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openUnlocked(*workspace)
			if err != nil {
				return err
			}
			defer h.Close()

			switch format {
			case "json":
				if out == "" {
					return h.ExportJSON(os.Stdout, entityTypes)
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				return h.ExportJSON(f, entityTypes)
			case "markdown":
				if out == "" {
					return fmt.Errorf("--out is required for markdown export (destination directory)")
				}
				return h.ExportMarkdown(out)
			default:
				return fmt.Errorf("unknown format %q (expected json or markdown)", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "export format: json or markdown")
	cmd.Flags().StringSliceVar(&entityTypes, "type", nil, "entity types to export (repeatable; default all)")
	cmd.Flags().StringVar(&out, "out", "", "output file (json) or directory (markdown); json defaults to stdout")
	return cmd
}

func newImportCmd(workspace *string) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import entities from a JSON export or a single Markdown note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openUnlocked(*workspace)
			if err != nil {
				return err
			}
			defer h.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			var result engine.ImportResult
			switch format {
			case "json":
				result, err = h.ImportJSON(f)
			case "markdown":
				result, err = h.ImportMarkdown(f)
			default:
				return fmt.Errorf("unknown format %q (expected json or markdown)", format)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Read %d, imported %d, failed %d\n", result.TotalRead, result.Imported, result.Failed)
			for _, e := range result.Errors {
				fmt.Printf("  error: %s\n", e)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "import format: json or markdown")
	return cmd
}

// logrusSyncLogger adapts a logrus.Entry to internal/sync.Logger.
type logrusSyncLogger struct {
	entry *logrus.Entry
}

func (l logrusSyncLogger) Printf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}
