package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/config"
	"github.com/zen-systems/routegate/pkg/eval"
	"github.com/zen-systems/routegate/pkg/metrics"
	"github.com/zen-systems/routegate/pkg/router"
	"github.com/zen-systems/routegate/pkg/server"
	"github.com/zen-systems/routegate/pkg/store"
)

var routingFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "routegate",
		Short: "OpenAI-compatible gateway that routes requests across a model fleet",
		Long: `Routegate sits between clients and a fleet of LLM back-ends. For each
	request it selects a model, judges the output against a quality bar, and
	retries or waits rather than returning an inferior answer.`,
	}

	rootCmd.PersistentFlags().StringVar(&routingFile, "config", "", "path to routing config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(validateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer logger.Sync()

			cfg, err := config.LoadWithRoutingFile(routingFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			adapters, err := createAdapters(cfg)
			if err != nil {
				return fmt.Errorf("failed to create adapters: %w", err)
			}

			st, err := store.Open(cfg.StateDBPath)
			if err != nil {
				return fmt.Errorf("failed to open state db: %w", err)
			}
			defer st.Close()

			// Seed configured provider limits; usage is preserved.
			for provider, limits := range cfg.Routing.Budgets {
				if err := st.Budget.EnsureLimits(context.Background(), provider, limits.SoftLimitTokens, limits.HardLimitTokens); err != nil {
					return fmt.Errorf("failed to seed budget limits: %w", err)
				}
			}

			engine := router.NewEngine(cfg.Routing, router.Deps{
				Adapters:  adapters,
				Health:    st.Health,
				Budget:    st.Budget,
				Sessions:  st.Sessions,
				Evaluator: eval.New(cfg.Routing.CodeEval, logger),
				Metrics:   metrics.New(0),
				Logger:    logger,
			})

			srv := server.New(engine, cfg, routingPath(cfg), logger)
			return srv.Start()
		},
	}
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the configured model registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithRoutingFile(routingFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tBACKEND\tCONTEXT\tCOST\tENABLED\tCAPABILITIES")
			for _, m := range cfg.Routing.Models {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%t\t%s\n",
					m.ID, m.Provider, m.Backend, m.ContextTokens, m.CostWeight, m.Enabled, formatCapabilities(m.Capabilities))
			}
			return w.Flush()
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the routing configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithRoutingFile(routingFile)
			if err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}

			fmt.Printf("config OK: %d models, %d policies\n", len(cfg.Routing.Models), len(cfg.Routing.Policies))
			for name := range cfg.Routing.Policies {
				policy := cfg.Routing.PolicyFor(name)
				fmt.Printf("  %s: threshold=%.2f attempts=%d max_wait_ms=%d preferred=%v\n",
					name, policy.QualityThreshold, policy.MaxAttempts, policy.MaxWaitMs, policy.Preferred)
			}
			return nil
		},
	}
}

// createAdapters builds an adapter per provider that has credentials, plus
// the mock provider for local runs.
func createAdapters(cfg *config.Config) (map[string]adapter.Adapter, error) {
	adapters := map[string]adapter.Adapter{
		"mock": adapter.NewMockAdapter(),
	}

	if cfg.OpenAIAPIKey != "" {
		a, err := adapter.NewOpenAIAdapter(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, err
		}
		adapters[a.Name()] = a
	}
	if cfg.AnthropicAPIKey != "" {
		a, err := adapter.NewAnthropicAdapter(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, err
		}
		adapters[a.Name()] = a
	}
	if cfg.GoogleAPIKey != "" {
		a, err := adapter.NewGoogleAdapter(cfg.GoogleAPIKey)
		if err != nil {
			return nil, err
		}
		adapters[a.Name()] = a
	}
	for _, ep := range cfg.CompatEndpoints {
		a, err := adapter.NewCompatAdapter(ep.Name, ep.APIKey, ep.BaseURL)
		if err != nil {
			return nil, err
		}
		adapters[a.Name()] = a
	}

	return adapters, nil
}

func routingPath(cfg *config.Config) string {
	if routingFile != "" {
		return routingFile
	}
	if cfg.ConfigDir != "" {
		return cfg.ConfigDir + "/routing.yaml"
	}
	return ""
}

func formatCapabilities(caps map[string]int) string {
	if len(caps) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(caps))
	for k := range caps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%d", k, caps[k])
	}
	return out
}
