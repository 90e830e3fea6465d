package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/grader/internal/grading"
	"github.com/pavelanni/grader/internal/handler"
	appI18n "github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/llm"
	"github.com/pavelanni/grader/internal/llm/prompts"
	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/questions"
	"github.com/pavelanni/grader/internal/report"
	"github.com/pavelanni/grader/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: reading .env:", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "grader",
		Short:        "Automatic grading of written exam answers with an LLM",
		SilenceUsage: true,
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), reportCmd(), gradeCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addCommonFlags(f *pflag.FlagSet) {
	f.String("db", "grader.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addOracleFlags(f *pflag.FlagSet) {
	defaults := prompts.DefaultParams()
	f.String("oracle-backend", llm.BackendGenerate, "Oracle protocol (generate, openai)")
	f.String("oracle-url", "http://localhost:8000/generate", "Oracle endpoint (base URL for openai; or set EVALUATION_API_URL)")
	f.String("oracle-key", "", "API key for the openai backend")
	f.String("oracle-model", "llama3.2", "Model name for the openai backend")
	f.Duration("oracle-timeout", 60*time.Second, "Per-call oracle timeout")
	f.Float64("temperature", defaults.Temperature, "Sampling temperature")
	f.Float64("top-p", defaults.TopP, "Nucleus sampling mass")
	f.Int("top-k", defaults.TopK, "Top-k sampling limit")
	f.Float64("repetition-penalty", defaults.RepetitionPenalty, "Repetition penalty")
	f.StringSlice("stop", defaults.Stop, "Stop sequences (repeatable)")
	f.String("prompt-variant", string(prompts.Standard), "Grading prompt variant (strict, standard, lenient)")
	f.Int("concurrency", grading.DefaultConcurrency, "Max in-flight oracle calls per submission")
	f.Int("oracle-retries", 0, "Retries per answer after an oracle error")
	f.Duration("retry-backoff", 500*time.Millisecond, "Wait before the first retry, doubled per attempt")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the grading API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringP("lang", "l", "en", "Default message language (en, ru)")
	f.String("jwt-secret", "", "HMAC secret for bearer tokens (or set GRADER_JWT_SECRET)")
	f.Duration("token-ttl", 24*time.Hour, "Bearer token lifetime")
	f.String("admin-password", "", "Initial admin password (or set GRADER_ADMIN_PASSWORD)")
	addCommonFlags(f)
	addOracleFlags(f)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import questions from a JSON file for a teacher",
		RunE:  runImport,
	}
	f := cmd.Flags()
	f.String("owner", "", "Email of the teacher who will own the questions (required)")
	f.StringP("file", "f", "", "Questions JSON file (required)")
	addCommonFlags(f)
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print a teacher's module reports as JSON",
		RunE:  runReport,
	}
	f := cmd.Flags()
	f.String("owner", "", "Teacher email (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addCommonFlags(f)
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Grade one answer through the configured oracle without storing it",
		RunE:  runGrade,
	}
	f := cmd.Flags()
	f.String("question", "", "Question text (required)")
	f.String("reference", "", "Reference answer (required)")
	f.String("module", "", "Module name (required)")
	f.String("level", "", "Student level (required)")
	f.String("answer", "", "Student answer")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	addOracleFlags(f)
	for _, name := range []string{"question", "reference", "module", "level"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func setupLogging(v *viper.Viper) {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags, environment and config file to a fresh
// viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("GRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("oracle-url", "GRADER_ORACLE_URL", "EVALUATION_API_URL")

	v.SetConfigName("grader")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/grader")
	v.AddConfigPath("/etc/grader")
	readErr := v.ReadInConfig()

	setupLogging(v)
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			slog.Warn("error reading config file", "error", readErr)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}
	return v
}

func newGrader(v *viper.Viper, s grading.Store) (*grading.Service, llm.Oracle, error) {
	variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", variant)
		variant = string(prompts.Standard)
	}
	builder, err := prompts.New(prompts.Variant(variant), prompts.Params{
		Temperature:       v.GetFloat64("temperature"),
		TopP:              v.GetFloat64("top-p"),
		TopK:              v.GetInt("top-k"),
		RepetitionPenalty: v.GetFloat64("repetition-penalty"),
		Stop:              v.GetStringSlice("stop"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create request builder: %w", err)
	}

	oracle, err := llm.New(llm.Config{
		Backend: v.GetString("oracle-backend"),
		URL:     v.GetString("oracle-url"),
		APIKey:  v.GetString("oracle-key"),
		Model:   v.GetString("oracle-model"),
		Timeout: v.GetDuration("oracle-timeout"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create oracle client: %w", err)
	}

	svc := grading.New(s, oracle, builder, grading.Options{
		Concurrency:  v.GetInt("concurrency"),
		MaxRetries:   v.GetInt("oracle-retries"),
		RetryBackoff: v.GetDuration("retry-backoff"),
	})
	return svc, oracle, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)

	secret := v.GetString("jwt-secret")
	if secret == "" {
		return errors.New("jwt secret is required: set --jwt-secret flag or GRADER_JWT_SECRET env var")
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedAdmin(cmd.Context(), db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if err := db.CleanupExpiredSessions(cmd.Context()); err != nil {
		slog.Warn("failed to clean up expired sessions", "error", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	grader, oracle, err := newGrader(v, db)
	if err != nil {
		return err
	}
	if p, ok := oracle.(llm.Pinger); ok {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("oracle health check: %w", err)
		}
		slog.Info("oracle endpoint OK", "url", v.GetString("oracle-url"), "model", v.GetString("oracle-model"))
	}

	h, err := handler.New(db, grader, report.NewService(db), handler.Config{
		JWTSecret: []byte(secret),
		TokenTTL:  v.GetDuration("token-ttl"),
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware)
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown", "error", err)
		}
	}()

	slog.Info("starting server",
		"addr", addr,
		"oracle_backend", v.GetString("oracle-backend"),
		"oracle_url", v.GetString("oracle-url"),
		"prompt_variant", v.GetString("prompt-variant"),
		"concurrency", v.GetInt("concurrency"),
		"lang", lang,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func findTeacher(ctx context.Context, db *store.Store, email string) (*model.User, error) {
	u, err := db.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("look up %s: %w", email, err)
	}
	if u == nil || u.Role != model.UserRoleTeacher {
		return nil, fmt.Errorf("no teacher with email %q", email)
	}
	return u, nil
}

func runImport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	owner, err := findTeacher(cmd.Context(), db, v.GetString("owner"))
	if err != nil {
		return err
	}

	path := v.GetString("file")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	res, err := questions.Import(cmd.Context(), db, owner.ID, abs, data)
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	if res.Duplicate {
		fmt.Fprintf(cmd.OutOrStdout(), "%s unchanged since last import, nothing to do\n", path)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d questions for %s\n", len(res.IDs), owner.Email)
	return nil
}

func runReport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	owner, err := findTeacher(cmd.Context(), db, v.GetString("owner"))
	if err != nil {
		return err
	}
	reports, err := report.NewService(db).GetModuleReports(cmd.Context(), owner.Principal())
	if err != nil {
		return fmt.Errorf("build reports: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return writeJSON(w, reports)
}

type gradeOutput struct {
	Score        float64 `json:"score"`
	Feedback     string  `json:"feedback"`
	ParseDefault bool    `json:"parse_default"`
}

func runGrade(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)

	grader, _, err := newGrader(v, nil)
	if err != nil {
		return err
	}
	parsed, err := grader.GradeOnce(cmd.Context(), prompts.Input{
		QuestionText:    v.GetString("question"),
		ReferenceAnswer: v.GetString("reference"),
		ModuleName:      v.GetString("module"),
		StudentLevel:    v.GetString("level"),
		Answer:          v.GetString("answer"),
	})
	if err != nil {
		return fmt.Errorf("grade: %w", err)
	}
	return writeJSON(cmd.OutOrStdout(), gradeOutput{
		Score:        parsed.Score,
		Feedback:     parsed.Feedback,
		ParseDefault: parsed.ParseDefault(),
	})
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	return nil
}

func seedAdmin(ctx context.Context, db *store.Store, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return errors.New("admin password is required: set --admin-password flag or GRADER_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(ctx, model.User{
		Email:        "admin",
		Name:         "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "email", "admin")
	return nil
}
