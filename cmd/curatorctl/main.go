package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"datacuration/internal/app"
	"datacuration/internal/bootstrap"
	"datacuration/internal/config"
	"datacuration/internal/model"
	"datacuration/internal/pkg/jwtutil"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "curatorctl",
		Short: "Operate the dataset curation pipeline without the HTTP server",
	}

	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp runs fn against a fully wired application built from the usual
// config file and environment.
func withApp(fn func(ctx context.Context, a *bootstrap.App) error) error {
	ctx := context.Background()
	a, err := bootstrap.New(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ingestCmd() *cobra.Command {
	var format, name string

	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Ingest a CSV or JSON file and wait until it is indexed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if format == "" {
				format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
			}
			var sourceFormat model.SourceFormat
			switch format {
			case "csv":
				sourceFormat = model.FormatCSV
			case "json", "ndjson", "jsonl":
				sourceFormat = model.FormatJSON
			default:
				return fmt.Errorf("unsupported format %q", format)
			}
			if name == "" {
				name = filepath.Base(path)
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			return withApp(func(ctx context.Context, a *bootstrap.App) error {
				dataset, err := a.Ingest.Ingest(ctx, app.UploadInput{Name: name, Format: sourceFormat, Reader: f})
				if dataset != nil {
					if perr := printJSON(dataset); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "csv or json (default: from file extension)")
	cmd.Flags().StringVar(&name, "name", "", "dataset name (default: file name)")
	return cmd
}

func analyzeCmd() *cobra.Command {
	var attrs []string

	cmd := &cobra.Command{
		Use:   "analyze [dataset-id]",
		Short: "Generate a new bias report for a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid dataset id %q", args[0])
			}
			return withApp(func(ctx context.Context, a *bootstrap.App) error {
				report, err := a.Bias.Analyze(ctx, uint(id), attrs)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}

	cmd.Flags().StringSliceVar(&attrs, "attr", nil, "protected attribute (repeatable)")
	_ = cmd.MarkFlagRequired("attr")
	return cmd
}

func searchCmd() *cobra.Command {
	var in app.SearchInput

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search indexed questions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *bootstrap.App) error {
				page, err := a.Retrieval.Search(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(page)
			})
		},
	}

	cmd.Flags().StringVar(&in.Keyword, "keyword", "", "free-text query")
	cmd.Flags().StringVar(&in.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&in.Difficulty, "difficulty", "", "difficulty filter")
	cmd.Flags().UintVar(&in.DatasetID, "dataset", 0, "dataset id filter")
	cmd.Flags().IntVar(&in.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&in.PageSize, "page-size", 20, "page size")
	return cmd
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Mark datasets stuck mid-ingestion as failed so they can be re-uploaded",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *bootstrap.App) error {
				n, err := a.Ingest.RecoverInterrupted(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("recovered %d datasets\n", n)
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var user, role string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch role {
			case jwtutil.RoleAdmin, jwtutil.RoleReviewer, jwtutil.RoleViewer:
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = time.Duration(cfg.Auth.JWTExpireMinute) * time.Minute
			}
			token, err := jwtutil.GenerateToken(cfg.Auth.JWTSecret, ttl, user, role)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "username recorded as reviewer")
	cmd.Flags().StringVar(&role, "role", jwtutil.RoleReviewer, "admin, reviewer or viewer")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default: auth.jwt_expire_minute)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
