package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"alphaforge/internal/budget"
	"alphaforge/internal/config"
	"alphaforge/internal/events"
	"alphaforge/internal/knowledge"
	"alphaforge/internal/llm"
	"alphaforge/internal/loop"
	"alphaforge/internal/repair"
	"alphaforge/internal/retrieval"
	"alphaforge/internal/schema"
	"alphaforge/internal/store"
	"alphaforge/internal/validation"
)

var (
	// Global flags
	verbose      bool
	dbPath       string
	glossaryPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "alphaforge",
	Short: "alphaforge - validation-first alpha research loop",
	Long: `alphaforge runs a budgeted, validation-first research loop over a local
metadata catalog: retrieval packs are built per idea, candidate expressions
are generated within token budgets, statically validated, deterministically
repaired, and every step lands in an auditable event log.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// seedCmd loads a catalog snapshot into the local store
var seedCmd = &cobra.Command{
	Use:   "seed-catalog <snapshot.json>",
	Short: "Load operators, datasets, and data fields from a snapshot file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(dbPath)
		if err != nil {
			return err
		}
		defer s.Close()

		ops, datasets, fields, err := s.LoadSnapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("seeded %d operators, %d datasets, %d data fields\n", ops, datasets, fields)
		return nil
	},
}

var buildPackIdeaPath string

// buildPackCmd builds and prints one retrieval pack
var buildPackCmd = &cobra.Command{
	Use:   "build-pack",
	Short: "Build the retrieval pack for an idea and print it as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(dbPath)
		if err != nil {
			return err
		}
		defer s.Close()

		idea, err := loadIdea(buildPackIdeaPath)
		if err != nil {
			return err
		}
		glossary, err := loadGlossary()
		if err != nil {
			return err
		}
		builder := retrieval.NewBuilder(s, config.DefaultRetrievalBudget(), glossary, logger)
		pack, err := builder.Build(cmd.Context(), idea)
		if err != nil {
			return err
		}
		return printJSON(pack)
	},
}

var validateExpr string

// validateCmd statically validates one expression against the catalog
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate an expression against the seeded catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		if validateExpr == "" {
			return fmt.Errorf("--expr is required")
		}
		s, err := store.Open(dbPath)
		if err != nil {
			return err
		}
		defer s.Close()

		v, _, err := validatorFromStore(cmd.Context(), s)
		if err != nil {
			return err
		}
		report := v.Validate(validateExpr, "REGULAR")
		if err := printJSON(report); err != nil {
			return err
		}
		if !report.IsValid {
			os.Exit(2)
		}
		return nil
	},
}

var (
	runLoopIdeaPath   string
	runLoopSimulate   bool
	runLoopMaxRepairs int
)

// runLoopCmd drives the full validation-first loop for one idea
var runLoopCmd = &cobra.Command{
	Use:   "run-loop",
	Short: "Run the budgeted validation-first loop for an idea",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(dbPath)
		if err != nil {
			return err
		}
		defer s.Close()
		ctx := cmd.Context()

		idea, err := loadIdea(runLoopIdeaPath)
		if err != nil {
			return err
		}
		if idea.IdeaID == "" {
			idea.IdeaID = fmt.Sprintf("idea-%d", time.Now().Unix())
		}

		v, ops, err := validatorFromStore(ctx, s)
		if err != nil {
			return err
		}
		glossary, err := loadGlossary()
		if err != nil {
			return err
		}
		builder := retrieval.NewBuilder(s, config.DefaultRetrievalBudget(), glossary, logger)
		pack, err := builder.Build(ctx, idea)
		if err != nil {
			return err
		}

		generator, err := pickGenerator(idea, pack)
		if err != nil {
			return err
		}

		orch := loop.New(loop.Deps{
			Store:     s,
			Bus:       events.NewBus(s, logger),
			Gate:      repair.NewGate(v),
			Builder:   builder,
			Generator: loop.NewModelGenerator(generator, logger),
			Enforcer:  budget.NewEnforcer(config.DefaultLLMBudget(), logger),
			Bundle:    knowledge.Build(ops, v),
			Logger:    logger,
		}, loop.Options{
			MaxRepairAttempts:   runLoopMaxRepairs,
			StopOnRepeatedError: true,
			Simulate:            runLoopSimulate,
		})
		result, err := orch.Run(ctx, idea, pack, "")
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

// pickGenerator uses the live Gemini backend when an API key is present and
// otherwise scripts a single pack-grounded candidate for offline dry runs.
func pickGenerator(idea schema.IdeaSpec, pack *retrieval.Pack) (llm.Generator, error) {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		return llm.NewGenAIGenerator(key, os.Getenv("GEMINI_MODEL"),
			config.DefaultLLMBudget().MaxOutputTokens)
	}
	expression := "rank(close)"
	if ids := pack.FieldIDs(); len(ids) > 0 {
		expression = fmt.Sprintf("rank(%s)", ids[0])
	}
	reply, err := json.Marshal(schema.CandidateAlpha{
		IdeaID:     idea.IdeaID,
		Expression: expression,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("no GEMINI_API_KEY set, using scripted generator",
		zap.String("expression", expression))
	return llm.NewScriptedGenerator(string(reply)), nil
}

func validatorFromStore(ctx context.Context, s *store.Store) (*validation.Validator, []schema.OperatorMeta, error) {
	ops, err := s.Operators(ctx)
	if err != nil {
		return nil, nil, err
	}
	fields, err := s.FieldsForTarget(ctx, schema.DefaultTarget())
	if err != nil {
		return nil, nil, err
	}
	if len(ops) == 0 || len(fields) == 0 {
		return nil, nil, fmt.Errorf("catalog is empty, run seed-catalog first")
	}
	return validation.New(ops, fields), ops, nil
}

func loadIdea(path string) (schema.IdeaSpec, error) {
	var idea schema.IdeaSpec
	if path == "" {
		return idea, fmt.Errorf("--idea is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return idea, fmt.Errorf("read idea %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &idea); err != nil {
		return idea, fmt.Errorf("parse idea %s: %w", path, err)
	}
	return idea, nil
}

func loadGlossary() (map[string]retrieval.SubcategoryGloss, error) {
	if glossaryPath == "" {
		return nil, nil
	}
	return retrieval.LoadGlossary(glossaryPath)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "alphaforge.db", "path to the catalog/event database")
	rootCmd.PersistentFlags().StringVar(&glossaryPath, "glossary", "", "optional subcategory glossary JSON")

	buildPackCmd.Flags().StringVar(&buildPackIdeaPath, "idea", "", "idea spec JSON file")
	validateCmd.Flags().StringVar(&validateExpr, "expr", "", "expression to validate")
	runLoopCmd.Flags().StringVar(&runLoopIdeaPath, "idea", "", "idea spec JSON file")
	runLoopCmd.Flags().BoolVar(&runLoopSimulate, "simulate", true, "run the simulation stage after a pass")
	runLoopCmd.Flags().IntVar(&runLoopMaxRepairs, "max-repairs", 3, "repair attempts before giving up")

	rootCmd.AddCommand(seedCmd, buildPackCmd, validateCmd, runLoopCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
