package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/descent/internal/config"
	"github.com/copyleftdev/descent/internal/logging"
	"github.com/copyleftdev/descent/internal/optimization"
	"github.com/copyleftdev/descent/internal/optimization/convergence"
	"github.com/copyleftdev/descent/internal/optimization/descent"
	"github.com/copyleftdev/descent/internal/optimization/functions"
)

type runOptions struct {
	method        string
	dim           int
	x0            []float64
	settingsFile  string
	maxIterations int
	gradTol       float64
	printLevel    int
	workers       int
	jsonOutput    bool
	logLevel      string
	logFormat     string
	logOutput     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "optimize",
		Short:        "unconstrained minimization of benchmark objectives",
		SilenceUsage: true,
	}

	opts := &runOptions{}
	runCmd := &cobra.Command{
		Use:   "run [objective]",
		Short: "minimize a registered objective",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runObjective(cmd, args[0], opts)
		},
	}
	runCmd.Flags().StringVarP(&opts.method, "method", "m", "lbfgs", "descent method ("+strings.Join(descent.MethodNames(), ", ")+")")
	runCmd.Flags().IntVar(&opts.dim, "dim", 0, "dimension of variable-size objectives")
	runCmd.Flags().Float64SliceVar(&opts.x0, "x0", nil, "starting point, comma separated")
	runCmd.Flags().StringVar(&opts.settingsFile, "settings", "", "optimizer settings file (yaml)")
	runCmd.Flags().IntVar(&opts.maxIterations, "max-iterations", optimization.DefaultMaxIterations, "iteration cap")
	runCmd.Flags().Float64Var(&opts.gradTol, "grad-tol", optimization.DefaultGradientTol, "gradient norm tolerance, negative disables")
	runCmd.Flags().IntVarP(&opts.printLevel, "print-level", "p", optimization.PrintNone, "diagnostics: 0 none, 1 iterations, 2 line search, 3 vectors")
	runCmd.Flags().IntVar(&opts.workers, "workers", 0, "goroutines per finite-difference stencil")
	runCmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "print the result as JSON")
	runCmd.Flags().StringVar(&opts.logLevel, "log-level", "debug", "log level")
	runCmd.Flags().StringVar(&opts.logFormat, "log-format", "console", "log format (json, console)")
	runCmd.Flags().StringVar(&opts.logOutput, "log-output", "stderr", "log destination (stdout, stderr or a file path)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list objectives and methods",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listCatalog(cmd.OutOrStdout())
		},
	}

	rootCmd.AddCommand(runCmd, listCmd)
	return rootCmd
}

// buildSettings layers the settings file and then explicitly set flags on
// top of the defaults.
func buildSettings(cmd *cobra.Command, opts *runOptions) (*optimization.Settings, error) {
	settings := optimization.DefaultSettings()
	if opts.settingsFile != "" {
		var err error
		if settings, err = config.LoadSettings(opts.settingsFile, settings); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("max-iterations") {
		settings.MaxIterations = opts.maxIterations
	}
	if flags.Changed("grad-tol") {
		settings.GradientTol = opts.gradTol
	}
	if flags.Changed("print-level") {
		settings.PrintLevel = opts.printLevel
	}
	if flags.Changed("workers") {
		settings.Workers = opts.workers
	}
	return settings, nil
}

func runObjective(cmd *cobra.Command, name string, opts *runOptions) error {
	fn, err := functions.Lookup(name)
	if err != nil {
		return err
	}
	method, err := descent.ParseMethod(opts.method)
	if err != nil {
		return err
	}
	x0, err := fn.StartingPoint(opts.dim, opts.x0)
	if err != nil {
		return err
	}
	settings, err := buildSettings(cmd, opts)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  opts.logLevel,
		Format: opts.logFormat,
		Output: opts.logOutput,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	settings.Logger = logging.NewZapLogger(logger.WithFields(map[string]interface{}{
		"objective": fn.Name,
	}))

	res, err := descent.Minimize(fn.Problem, x0, method, settings)
	if res != nil {
		if perr := printResult(cmd.OutOrStdout(), fn.Name, res, opts.jsonOutput); perr != nil {
			return perr
		}
	}
	return err
}

type resultOutput struct {
	Objective    string    `json:"objective"`
	Method       string    `json:"method"`
	Status       string    `json:"status"`
	Criterion    string    `json:"criterion"`
	Converged    bool      `json:"converged"`
	Iterations   int       `json:"iterations"`
	F            float64   `json:"f"`
	GradientNorm float64   `json:"gradient_norm"`
	X            []float64 `json:"x"`
	FuncEvals    int       `json:"func_evals"`
	GradEvals    int       `json:"grad_evals"`
	HessEvals    int       `json:"hess_evals"`
}

func printResult(w io.Writer, objective string, res *optimization.Result, asJSON bool) error {
	out := resultOutput{
		Objective:    objective,
		Method:       res.Method,
		Status:       res.Status.String(),
		Criterion:    res.Criterion.String(),
		Converged:    res.Converged,
		Iterations:   res.Iterations,
		F:            res.F,
		GradientNorm: convergence.GradientNorm(res.Gradient),
		X:            res.X,
		FuncEvals:    res.Evaluations.Func,
		GradEvals:    res.Evaluations.Grad,
		HessEvals:    res.Evaluations.Hess,
	}

	if asJSON {
		if !optimization.IsFinite(out.F) || !optimization.IsFinite(out.GradientNorm) {
			return fmt.Errorf("result of %s is not finite and cannot be encoded as JSON", objective)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "objective\t%s\n", out.Objective)
	fmt.Fprintf(tw, "method\t%s\n", out.Method)
	fmt.Fprintf(tw, "status\t%s\n", out.Status)
	if out.Converged {
		fmt.Fprintf(tw, "criterion\t%s\n", out.Criterion)
	}
	fmt.Fprintf(tw, "iterations\t%d\n", out.Iterations)
	fmt.Fprintf(tw, "f\t%.10g\n", out.F)
	fmt.Fprintf(tw, "|g|inf\t%.3e\n", out.GradientNorm)
	fmt.Fprintf(tw, "x\t%v\n", out.X)
	fmt.Fprintf(tw, "evaluations\tf=%d g=%d h=%d\n", out.FuncEvals, out.GradEvals, out.HessEvals)
	return tw.Flush()
}

func listCatalog(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OBJECTIVE\tDIM\tSTART")
	for _, name := range functions.Names() {
		fn, err := functions.Lookup(name)
		if err != nil {
			return err
		}
		dim := "any"
		n := 2
		if fn.Dim != 0 {
			dim = fmt.Sprint(fn.Dim)
			n = fn.Dim
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\n", fn.Name, dim, fn.Start(n))
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "METHODS")
	for _, name := range descent.MethodNames() {
		fmt.Fprintln(tw, name)
	}
	return tw.Flush()
}
