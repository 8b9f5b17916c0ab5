package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/provide-io/kiln/internal/download"
	"github.com/provide-io/kiln/internal/engine"
	"github.com/provide-io/kiln/internal/launch"
	"github.com/provide-io/kiln/internal/loader"
	"github.com/provide-io/kiln/internal/supervisor"
)

// EnvAccessToken supplies the access token so it never appears in argv.
const EnvAccessToken = "KILN_ACCESS_TOKEN"

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseVariant(kind, version string) (loader.Variant, error) {
	k, err := loader.ParseKind(kind)
	if err != nil {
		return loader.Variant{}, err
	}
	return loader.Variant{Kind: k, Version: version}, nil
}

func createCmd() *cobra.Command {
	var (
		loaderKind    string
		loaderVersion string
		memoryMB      int
		javaPath      string
	)
	cmd := &cobra.Command{
		Use:   "create NAME VERSION",
		Short: "Create an instance for a game version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseVariant(loaderKind, loaderVersion)
			if err != nil {
				return err
			}
			if err := setup(); err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			inst, err := eng.CreateInstance(ctx, engine.CreateRequest{
				Name:         args[0],
				Version:      args[1],
				Loader:       v,
				MemoryMB:     memoryMB,
				JavaOverride: javaPath,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Created %s (%s, %s)\n", inst.Name, inst.Config.Version, inst.Config.ModType)
			return nil
		},
	}
	cmd.Flags().StringVar(&loaderKind, "loader", "", "Loader to install (fabric, quilt, forge, neoforge)")
	cmd.Flags().StringVar(&loaderVersion, "loader-version", "", "Loader version (defaults to the newest compatible)")
	cmd.Flags().IntVar(&memoryMB, "memory", 0, "Memory in MiB (defaults to the launcher setting)")
	cmd.Flags().StringVar(&javaPath, "java", "", "Java executable or runtime directory to use instead of automatic selection")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setup(); err != nil {
				return err
			}
			return eng.DeleteInstance(cmd.Context(), args[0])
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setup(); err != nil {
				return err
			}
			names, err := eng.ListInstances()
			if err != nil {
				return err
			}
			for _, name := range names {
				inst, err := eng.Instances().Load(name)
				if err != nil {
					fmt.Printf("%s\t(unreadable: %v)\n", name, err)
					continue
				}
				loaderDesc := inst.Config.ModType
				if v := inst.Config.LoaderVersion(); v != "" {
					loaderDesc += " " + v
				}
				fmt.Printf("%s\t%s\t%s\n", name, inst.Config.Version, loaderDesc)
			}
			return nil
		},
	}
}

type resolvedSummary struct {
	ID        string   `json:"id"`
	Chain     []string `json:"chain"`
	Platform  string   `json:"platform"`
	MainClass string   `json:"main_class"`
	Java      int      `json:"java_major"`
	Assets    string   `json:"assets,omitempty"`
	Libraries []string `json:"libraries"`
}

func resolveCmd() *cobra.Command {
	var loaderKind, loaderVersion string
	cmd := &cobra.Command{
		Use:   "resolve VERSION",
		Short: "Resolve a version (and optional loader) for this platform and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseVariant(loaderKind, loaderVersion)
			if err != nil {
				return err
			}
			if err := setup(); err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			m, err := eng.ResolveVersion(ctx, args[0], v)
			if err != nil {
				return err
			}
			summary := resolvedSummary{
				ID:        m.ID,
				Chain:     m.Chain,
				Platform:  m.Platform.String(),
				MainClass: m.MainClass,
				Java:      m.JavaMajor,
				Assets:    m.Assets,
			}
			for _, lib := range m.Libraries {
				entry := lib.Name + ":" + lib.Version
				if lib.Native {
					entry += " (natives)"
				}
				summary.Libraries = append(summary.Libraries, entry)
			}
			out, err := json.MarshalIndent(summary, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&loaderKind, "loader", "", "Loader to overlay")
	cmd.Flags().StringVar(&loaderVersion, "loader-version", "", "Loader version")
	return cmd
}

func loaderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loader",
		Short: "Manage the loader of an instance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "install NAME KIND [VERSION]",
		Short: "Install or replace the loader of an instance",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			version := ""
			if len(args) == 3 {
				version = args[2]
			}
			v, err := parseVariant(args[1], version)
			if err != nil {
				return err
			}
			if err := setup(); err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			inst, err := eng.InstallLoader(ctx, args[0], v)
			if err != nil {
				return err
			}
			fmt.Printf("%s now uses %s %s\n", inst.Name, inst.Config.ModType, inst.Config.LoaderVersion())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall NAME",
		Short: "Remove the loader of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setup(); err != nil {
				return err
			}
			_, err := eng.UninstallLoader(cmd.Context(), args[0])
			return err
		},
	})
	return cmd
}

func runtimesCmd() *cobra.Command {
	var install int
	cmd := &cobra.Command{
		Use:   "runtimes",
		Short: "List Java runtimes, or provision one with --install",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setup(); err != nil {
				return err
			}
			sel := eng.Runtimes()
			p := eng.Platform()

			if install > 0 {
				ctx, stop := signalContext()
				defer stop()
				bin, err := sel.Select(ctx, install, p)
				if err != nil {
					return err
				}
				fmt.Printf("java %d\t%s\t%s\n", bin.Major, bin.Origin, bin.Path)
				return nil
			}

			for _, bin := range sel.Installed(p) {
				fmt.Printf("java %d\t%s\t%s\n", bin.Major, bin.Version, bin.Path)
			}
			majors := sel.Catalog().Majors(p)
			names := make([]string, len(majors))
			for i, m := range majors {
				names[i] = strconv.Itoa(m)
			}
			fmt.Printf("available for %s from %s: %s\n", p, sel.Catalog().Vendor, strings.Join(names, ", "))
			return nil
		},
	}
	cmd.Flags().IntVar(&install, "install", 0, "Provision a runtime of at least this major version")
	return cmd
}

func launchCmd() *cobra.Command {
	var (
		username    string
		playerUUID  string
		userType    string
		dryRun      bool
		metricsFile string
	)
	cmd := &cobra.Command{
		Use:   "launch NAME",
		Short: "Prepare and launch an instance",
		Long: `Prepare and launch an instance. Downloads missing artifacts, selects or
provisions a Java runtime, then runs the game until it exits. The access
token of an online account is read from ` + EnvAccessToken + `.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setup(); err != nil {
				return err
			}
			if metricsFile != "" {
				defer func() {
					if err := eng.WriteMetrics(metricsFile); err != nil {
						logger.Warn("⚠️ Failed to write metrics", "path", metricsFile, "error", err)
					}
				}()
			}

			ctx, stop := signalContext()
			defer stop()

			prepared, err := eng.Prepare(ctx, args[0], engine.WithProgress(printProgress))
			if err != nil {
				return err
			}

			acct := launch.Account{
				Name:        username,
				UUID:        playerUUID,
				AccessToken: os.Getenv(EnvAccessToken),
				UserType:    userType,
			}
			if dryRun {
				spec, err := eng.Command(prepared, acct)
				if err != nil {
					return err
				}
				fmt.Println(spec.Redacted().CommandLine())
				return nil
			}

			proc, err := eng.Launch(ctx, prepared, acct)
			if err != nil {
				fmt.Fprintln(os.Stderr, "Error:", err)
				return exitCode(ExitLaunchError)
			}
			for line := range proc.Lines() {
				if line.Stream == supervisor.Stderr {
					fmt.Fprintln(os.Stderr, line.Text)
				} else {
					fmt.Fprintln(os.Stdout, line.Text)
				}
			}

			status := proc.Wait()
			logger.Info("⏹️ Game finished", "status", status.String(), "duration", status.Duration)
			switch {
			case status.State == supervisor.Exited:
				return nil
			case status.Code > 0:
				return exitCode(status.Code)
			default:
				return exitCode(ExitLaunchError)
			}
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Player name (defaults to the configured offline name)")
	cmd.Flags().StringVar(&playerUUID, "uuid", "", "Player UUID (derived from the name when offline)")
	cmd.Flags().StringVar(&userType, "user-type", "", `Account type: "msa" for online accounts, empty for offline`)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Prepare and print the command without launching")
	cmd.Flags().StringVar(&metricsFile, "metrics-textfile", "", "Write download metrics to this file in textfile collector format")
	return cmd
}

func printProgress(stage string, p download.Progress) {
	fmt.Fprintf(os.Stderr, "\r%s %d/%d", stage, p.Completed, p.Total)
	if p.Done {
		fmt.Fprintln(os.Stderr)
	}
}

func gcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove stored objects no instance uses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setup(); err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			result, err := eng.GC(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d objects (%d bytes), kept %d\n", result.Removed, result.RemovedBytes, result.Kept)
			return nil
		},
	}
}
