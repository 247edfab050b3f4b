package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"podm/internal/client"
	"podm/internal/common"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	serverURL string
	timeout   time.Duration
	output    string
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if common.IsRetryable(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "podmctl",
		Short:         "Manage composed nodes on a PodManager",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOrDefault("PODM_URL", "http://localhost:8090"), "PodManager URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "Request timeout")
	root.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format: table, json, yaml")

	root.AddCommand(
		newResourcesCommand(),
		newNodesCommand(),
		newGetCommand(),
		newAllocateCommand(),
		newAssembleCommand(),
		newResetCommand(),
		newAttachCommand(),
		newDetachCommand(),
		newDeleteCommand(),
	)
	return root
}

func newClient() *client.PodManagerClient {
	return client.NewPodManagerClient(serverURL, timeout)
}

func newResourcesCommand() *cobra.Command {
	var kind, state string
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "List discovered resources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resources, err := newClient().ListResources(cmd.Context(),
				common.ResourceKind(kind), common.ResourceState(strings.ToUpper(state)))
			if err != nil {
				return err
			}
			if output != "table" {
				return render(resources)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tCHASSIS\tSTATE\tOWNER")
			for _, r := range resources {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Kind, r.ChassisID, r.State, r.Owner)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by kind (Processor, Memory, LocalDrive, RemoteDrive, EthernetInterface)")
	cmd.Flags().StringVar(&state, "state", "", "Filter by state (FREE, RESERVED, ALLOCATED, FAILED, UNAVAILABLE)")
	return cmd
}

func newNodesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List composed nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := newClient().ListNodes(cmd.Context())
			if err != nil {
				return err
			}
			if output != "table" {
				return render(nodes)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATE\tPOWER\tRESOURCES")
			for _, n := range nodes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n.ID, n.Name, n.State, n.PowerState, strings.Join(n.Resources, ","))
			}
			return w.Flush()
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get NODE_ID",
		Short: "Show a composed node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := newClient().GetNode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return renderNode(node)
		},
	}
}

func newAllocateCommand() *cobra.Command {
	var file string
	var assemble bool
	cmd := &cobra.Command{
		Use:   "allocate -f request.yaml",
		Short: "Allocate a composed node from a request file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadRequest(file)
			if err != nil {
				return err
			}
			c := newClient()
			node, err := c.Allocate(cmd.Context(), req)
			if err != nil {
				return err
			}
			if assemble {
				if node, err = c.Assemble(cmd.Context(), node.ID, true); err != nil {
					return err
				}
			}
			return renderNode(node)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Request file (YAML or JSON)")
	cmd.Flags().BoolVar(&assemble, "assemble", false, "Assemble the node after allocation")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newAssembleCommand() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "assemble NODE_ID",
		Short: "Assemble an allocated node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := newClient().Assemble(cmd.Context(), args[0], wait)
			if err != nil {
				return err
			}
			if node == nil {
				fmt.Printf("node %s is assembling\n", args[0])
				return nil
			}
			return renderNode(node)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "Wait for assembly to finish")
	return cmd
}

func newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset NODE_ID RESET_TYPE",
		Short: "Reset an assembled node (On, ForceOff, GracefulRestart, ...)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := newClient().Reset(cmd.Context(), args[0], common.ResetType(args[1]))
			if err != nil {
				return err
			}
			return renderNode(node)
		},
	}
}

func newAttachCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "attach NODE_ID RESOURCE_ID",
		Short: "Attach a resource to an assembled node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := newClient().AttachResource(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return renderNode(node)
		},
	}
}

func newDetachCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detach NODE_ID RESOURCE_ID",
		Short: "Detach a resource from an assembled node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := newClient().DetachResource(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return renderNode(node)
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NODE_ID",
		Short: "Tear down a composed node and release its resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().DeleteNode(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("node %s removed\n", args[0])
			return nil
		},
	}
}

// loadRequest 读取请求文件，YAML 兼容 JSON
func loadRequest(path string) (common.RequestedNode, error) {
	var req common.RequestedNode
	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("failed to read request file: %w", err)
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to parse request file: %w", err)
	}
	return req, nil
}

func renderNode(node *common.ComposedNode) error {
	if output != "table" {
		return render(node)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", node.ID)
	fmt.Fprintf(w, "UUID:\t%s\n", node.UUID)
	fmt.Fprintf(w, "Name:\t%s\n", node.Name)
	fmt.Fprintf(w, "State:\t%s\n", node.State)
	fmt.Fprintf(w, "Power:\t%s\n", node.PowerState)
	fmt.Fprintf(w, "Resources:\t%s\n", strings.Join(node.Resources, ", "))
	resetTypes := make([]string, 0, len(node.AllowableResetTypes))
	for _, t := range node.AllowableResetTypes {
		resetTypes = append(resetTypes, string(t))
	}
	fmt.Fprintf(w, "Reset types:\t%s\n", strings.Join(resetTypes, ", "))
	if node.FailureReason != "" {
		fmt.Fprintf(w, "Failure:\t%s\n", node.FailureReason)
	}
	return w.Flush()
}

func render(v interface{}) error {
	switch output {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(v)
	default:
		return errors.New("unsupported output format: " + output)
	}
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
