package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bturcanu/plugwire/pkg/adapters/all"
	"github.com/bturcanu/plugwire/pkg/audit"
	"github.com/bturcanu/plugwire/pkg/config"
	"github.com/bturcanu/plugwire/pkg/host"
	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/sdk/client"
	"github.com/bturcanu/plugwire/pkg/types"
)

// errInvocationFailed is returned after the adapter's error message has been
// printed.
var errInvocationFailed = errors.New("invocation failed")

type options struct {
	gateway     string
	apiKey      string
	credentials string
	tenant      string
	verbose     bool
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "plugwire",
		Short:         "Invoke third-party API adapters",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&o.gateway, "gateway", os.Getenv("PLUGWIRE_GATEWAY"), "gateway URL; empty runs adapters in-process")
	root.PersistentFlags().StringVar(&o.apiKey, "api-key", os.Getenv("PLUGWIRE_API_KEY"), "gateway API key")
	root.PersistentFlags().StringVar(&o.credentials, "credentials", config.EnvOr("PLUGWIRE_CREDENTIALS", "credentials.yaml"), "credentials file for in-process runs")
	root.PersistentFlags().StringVar(&o.tenant, "tenant", config.EnvOr("PLUGWIRE_TENANT", "default"), "tenant whose credentials are used in-process")
	root.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "log invocation details to stderr")

	root.AddCommand(newAdaptersCmd(o), newInvokeCmd(o))
	return root
}

func (o *options) logger(cmd *cobra.Command) *slog.Logger {
	lvl := slog.LevelWarn
	if o.verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl}))
}

// loadCredentials reads the credentials file. A missing default file is an
// empty configuration.
func (o *options) loadCredentials(cmd *cobra.Command) (*config.Credentials, error) {
	c, err := config.LoadCredentials(o.credentials)
	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("credentials") {
		return nil, nil
	}
	return c, err
}

// ─── adapters ───────────────────────────────────────────────────────────────

func newAdaptersCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "adapters",
		Short: "List available adapters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var rows [][3]string
			if o.gateway != "" {
				list, err := client.New(o.gateway, o.apiKey).Adapters(cmd.Context())
				if err != nil {
					return err
				}
				for _, a := range list {
					rows = append(rows, [3]string{a.Name, a.Provider, a.Description})
				}
			} else {
				for _, d := range all.Registry().List() {
					rows = append(rows, [3]string{d.Name, d.Provider, d.Description})
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "NAME\tPROVIDER\tDESCRIPTION\n")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\n", r[0], r[1], r[2])
			}
			return w.Flush()
		},
	}
}

// ─── invoke ─────────────────────────────────────────────────────────────────

func newInvokeCmd(o *options) *cobra.Command {
	var (
		pairs  []string
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "invoke <adapter>",
		Short: "Invoke an adapter and print its messages",
		Example: `  plugwire invoke search.web -p query="go generics" -p max_results=3
  plugwire invoke s3.object.get -p key=reports/q1.pdf --out ./downloads`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bag, err := parseParams(pairs)
			if err != nil {
				return err
			}
			msgs, err := o.invoke(cmd, args[0], bag)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), msgs, outDir)
		},
	}
	cmd.Flags().StringArrayVarP(&pairs, "param", "p", nil, "parameter as key=value, repeatable")
	cmd.Flags().StringVar(&outDir, "out", ".", "directory for blob output")
	return cmd
}

func (o *options) invoke(cmd *cobra.Command, name string, bag types.ParameterBag) ([]types.InvokeMessage, error) {
	ctx := cmd.Context()
	if o.gateway != "" {
		return client.New(o.gateway, o.apiKey).Invoke(ctx, name, bag, nil)
	}

	reg := all.Registry()
	a, ok := reg.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown adapter %q (see plugwire adapters)", name)
	}
	file, err := o.loadCredentials(cmd)
	if err != nil {
		return nil, err
	}
	log := o.logger(cmd)
	creds, err := (&host.Resolver{File: file}).Resolve(ctx, o.tenant, a.Describe().Provider)
	if err != nil {
		return nil, err
	}
	inv := invoke.New(
		invoke.WithLogger(log),
		invoke.WithRecorder(audit.NewLogger(audit.NewMemory(), log)),
	)
	return inv.Invoke(invoke.WithTenant(ctx, o.tenant), a, bag, creds).Collect(), nil
}

// parseParams turns key=value pairs into a bag. Values stay strings; the
// adapter's schema coerces them.
func parseParams(pairs []string) (types.ParameterBag, error) {
	bag := types.ParameterBag{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", p)
		}
		bag[k] = v
	}
	return bag, nil
}

// render prints messages in order. Blobs are written to outDir. It returns
// errInvocationFailed when the stream ended in an error message.
func render(w io.Writer, msgs []types.InvokeMessage, outDir string) error {
	for _, m := range msgs {
		switch m.Kind {
		case types.KindText:
			if m.IsError {
				fmt.Fprintln(w, "error:", m.Text)
				return errInvocationFailed
			}
			fmt.Fprintln(w, m.Text)
		case types.KindJSON:
			data, err := json.MarshalIndent(m.JSON, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(w, string(data))
		case types.KindBlob:
			name := filepath.Base(m.Filename)
			if name == "." || name == string(filepath.Separator) || name == "" {
				name = "output"
			}
			path := filepath.Join(outDir, name)
			if err := os.WriteFile(path, m.Blob, 0o644); err != nil {
				return fmt.Errorf("write blob: %w", err)
			}
			fmt.Fprintf(w, "wrote %s (%s, %d bytes)\n", path, m.MimeType, len(m.Blob))
		case types.KindVariable:
			v, _ := json.Marshal(m.Value)
			fmt.Fprintf(w, "%s = %s\n", m.Name, v)
		}
	}
	return nil
}
