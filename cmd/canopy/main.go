// cmd/canopy/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"canopy/internal/config"
	"canopy/internal/hierarchy"
	"canopy/internal/logging"
	"canopy/internal/name"
	"canopy/internal/state"
	"canopy/internal/workspace"
)

var logger, _ = zap.NewDevelopment()

var rootCmd = &cobra.Command{
	Use:   "canopy",
	Short: "Canopy is a client-side hierarchical content repository",
	Long: `Canopy keeps an in-memory item tree that shadows a workspace of
nodes and properties. Edits are staged as transient changes and only
touch the workspace when 'canopy save' runs; 'canopy revert' rolls the
tree back to the last saved state and discards the staged edits.`,
}

var workspacePath string

type session struct {
	db      *badger.DB
	store   *workspace.Store
	factory *hierarchy.EntryFactory
}

func openSession() (*session, error) {
	cfg := config.Default()
	if data, err := config.Load("canopy.json"); err == nil {
		cfg = data
	}
	if workspacePath != "" {
		cfg.Workspace.Path = workspacePath
	}
	if lg, err := logging.NewLogger(cfg.LogLevel); err == nil {
		logger = lg.Logger
	}

	opts := badger.DefaultOptions(cfg.Workspace.Path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening workspace database: %w", err)
	}

	resolver := name.NewResolver()
	store, err := workspace.New(db, resolver, workspace.Options{
		CacheSize: cfg.Workspace.CacheSize,
		Logger:    logger,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening workspace: %w", err)
	}

	return &session{
		db:      db,
		store:   store,
		factory: hierarchy.NewEntryFactory(store, resolver, logger),
	}, nil
}

// openStagedSession opens the workspace and replays the staged edits
// into the transient tree.
func openStagedSession(ctx context.Context) (*session, error) {
	s, err := openSession()
	if err != nil {
		return nil, err
	}
	if err := s.replayPending(ctx); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	if err := s.db.Close(); err != nil {
		logger.Error("closing database", zap.Error(err))
	}
}

func (s *session) deepNode(ctx context.Context, path string) (*hierarchy.NodeEntry, error) {
	p, err := s.factory.Resolver().ParsePath(path)
	if err != nil {
		return nil, err
	}
	entry, err := s.factory.Root().DeepEntry(ctx, p)
	if err != nil {
		return nil, err
	}
	node, ok := entry.(*hierarchy.NodeEntry)
	if !ok {
		return nil, fmt.Errorf("%s is a property, not a node", path)
	}
	return node, nil
}

func statusMarker(st state.Status) string {
	switch {
	case st == state.New:
		return color.GreenString("+")
	case st == state.ExistingModified:
		return color.YellowString("~")
	case state.IsStale(st):
		return color.RedString("!")
	default:
		return " "
	}
}

func printTree(ctx context.Context, resolver *name.Resolver, entry *hierarchy.NodeEntry, prefix string) error {
	children, err := entry.NodeEntries(ctx)
	if err != nil {
		return err
	}
	for _, child := range children {
		nameStr, err := resolver.FormatName(child.Name())
		if err != nil {
			return err
		}
		fmt.Printf("%s%s %s\n", prefix, statusMarker(child.Status()), nameStr)
		if err := printTree(ctx, resolver, child, prefix+"  "); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspacePath, "workspace", "w", "", "workspace directory (default .canopy)")

	var initCmd = &cobra.Command{
		Use:   "init",
		Short: "Initialize a new Canopy workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return fmt.Errorf("initializing workspace: %w", err)
			}
			defer s.close()
			fmt.Println("Initialized empty Canopy workspace")
			return nil
		},
	}

	var treeCmd = &cobra.Command{
		Use:   "tree [path]",
		Short: "Print the subtree below a node, staged edits included",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) > 0 {
				path = args[0]
			}
			ctx := cmd.Context()
			s, err := openStagedSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			node, err := s.deepNode(ctx, path)
			if err != nil {
				return fmt.Errorf("resolving %s: %w", path, err)
			}
			fmt.Println(path)
			return printTree(ctx, s.factory.Resolver(), node, "  ")
		},
	}

	var lsCmd = &cobra.Command{
		Use:   "ls [path]",
		Short: "List children and properties of a node, staged edits included",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) > 0 {
				path = args[0]
			}
			ctx := cmd.Context()
			s, err := openStagedSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			node, err := s.deepNode(ctx, path)
			if err != nil {
				return fmt.Errorf("resolving %s: %w", path, err)
			}
			children, err := node.NodeEntries(ctx)
			if err != nil {
				return fmt.Errorf("listing children: %w", err)
			}
			resolver := s.factory.Resolver()
			for _, child := range children {
				nameStr, err := resolver.FormatName(child.Name())
				if err != nil {
					return err
				}
				fmt.Printf("%s %s/\n", statusMarker(child.Status()), nameStr)
			}
			for _, prop := range node.PropertyEntries() {
				nameStr, err := resolver.FormatName(prop.Name())
				if err != nil {
					return err
				}
				ps, err := prop.PropertyState(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s = %s\n", statusMarker(prop.Status()), nameStr, strings.Join(ps.Values, ", "))
			}
			return nil
		},
	}

	var nodeType string
	var referenceable bool
	var sns bool
	var addCmd = &cobra.Command{
		Use:   "add <path>",
		Short: "Stage the addition of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStagedSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			uniqueID := ""
			if referenceable {
				uniqueID = workspace.NewUniqueID()
			}
			op := pendingOp{Op: "add", Path: args[0], Type: nodeType, UniqueID: uniqueID, SNS: sns}
			if err := s.stage(ctx, op); err != nil {
				return fmt.Errorf("adding node: %w", err)
			}
			fmt.Println("Staged add of", args[0], "- run 'canopy save' to persist")
			return nil
		},
	}
	addCmd.Flags().StringVarP(&nodeType, "type", "t", "", "primary node type")
	addCmd.Flags().BoolVar(&referenceable, "ref", false, "assign a workspace-stable unique id")
	addCmd.Flags().BoolVar(&sns, "sns", false, "allow same-name siblings")

	var multiple bool
	var setCmd = &cobra.Command{
		Use:   "set <node-path> <property> <value>...",
		Short: "Stage a property write",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStagedSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			op := pendingOp{
				Op:       "set",
				Path:     args[0],
				Prop:     args[1],
				Values:   args[2:],
				Multiple: multiple || len(args) > 3,
			}
			if err := s.stage(ctx, op); err != nil {
				return fmt.Errorf("setting property: %w", err)
			}
			fmt.Println("Staged set of", args[1], "on", args[0], "- run 'canopy save' to persist")
			return nil
		},
	}
	setCmd.Flags().BoolVarP(&multiple, "multiple", "m", false, "multi-valued property")

	var rmCmd = &cobra.Command{
		Use:   "rm <path>",
		Short: "Stage the removal of a node or property",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStagedSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.stage(ctx, pendingOp{Op: "rm", Path: args[0]}); err != nil {
				return fmt.Errorf("removing: %w", err)
			}
			fmt.Println("Staged removal of", args[0], "- run 'canopy save' to persist")
			return nil
		},
	}

	var mvCmd = &cobra.Command{
		Use:   "mv <path> <new-path>",
		Short: "Stage a move or rename of a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStagedSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.stage(ctx, pendingOp{Op: "mv", Path: args[0], Dest: args[1]}); err != nil {
				return fmt.Errorf("moving: %w", err)
			}
			fmt.Println("Staged move of", args[0], "to", args[1], "- run 'canopy save' to persist")
			return nil
		},
	}

	var getCmd = &cobra.Command{
		Use:   "get <node-path> <property>",
		Short: "Print a property value, staged edits included",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStagedSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			node, err := s.deepNode(ctx, args[0])
			if err != nil {
				return fmt.Errorf("resolving %s: %w", args[0], err)
			}
			propName, err := s.factory.Resolver().ParseName(args[1])
			if err != nil {
				return err
			}
			prop := node.GetPropertyEntry(propName)
			if prop == nil {
				return fmt.Errorf("no property %s on %s", args[1], args[0])
			}
			ps, err := prop.PropertyState(ctx)
			if err != nil {
				return fmt.Errorf("reading property: %w", err)
			}
			for _, v := range ps.Values {
				fmt.Println(v)
			}
			return nil
		},
	}

	var saveCmd = &cobra.Command{
		Use:   "save",
		Short: "Persist the staged changes to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStagedSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			ops, err := s.loadPending()
			if err != nil {
				return err
			}
			if len(ops) == 0 {
				fmt.Println("Nothing to save")
				return nil
			}
			events, err := s.store.Save(ctx, s.factory.Root())
			if err != nil {
				return fmt.Errorf("saving: %w (run 'canopy revert' to discard the staged changes)", err)
			}
			if err := s.clearPending(); err != nil {
				return err
			}
			fmt.Printf("Saved %d staged change(s), %d workspace event(s)\n", len(ops), len(events))
			return nil
		},
	}

	var revertCmd = &cobra.Command{
		Use:   "revert",
		Short: "Discard the staged changes and restore the saved state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStagedSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			ops, err := s.loadPending()
			if err != nil {
				return err
			}
			if err := s.factory.Root().Revert(ctx); err != nil {
				return fmt.Errorf("reverting: %w", err)
			}
			if err := s.clearPending(); err != nil {
				return err
			}
			fmt.Printf("Discarded %d staged change(s)\n", len(ops))
			return nil
		},
	}

	rootCmd.AddCommand(initCmd, treeCmd, lsCmd, addCmd, setCmd, getCmd, rmCmd, mvCmd, saveCmd, revertCmd)
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}
