package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/assay-engine/pkg/analysis/crm"
	"github.com/ekaya-inc/assay-engine/pkg/analysis/drift"
	"github.com/ekaya-inc/assay-engine/pkg/analysis/pivot"
	"github.com/ekaya-inc/assay-engine/pkg/models"
	"github.com/ekaya-inc/assay-engine/pkg/services"
)

func (c *cli) pivotCmd() *cobra.Command {
	var (
		cfg         pivot.Config
		precision   int
		aggregation string
	)
	cmd := &cobra.Command{
		Use:   "pivot",
		Short: "Show one page of the label x element table with column statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("precision") {
				cfg.Precision = &precision
			}
			if cfg.Aggregation, err = pivot.ParseAggregation(aggregation); err != nil {
				return err
			}
			page, err := c.app.pivots.Pivot(cmd.Context(), projectID, cfg)
			if err != nil {
				return err
			}
			return printJSON(cmd, page)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Search, "search", "", "label substring filter")
	f.StringSliceVar(&cfg.Labels, "labels", nil, "exact labels to include")
	f.StringSliceVar(&cfg.Elements, "elements", nil, "element columns to show")
	f.BoolVar(&cfg.Oxide, "oxide", false, "convert elements to oxide values")
	f.IntVar(&precision, "precision", 0, "decimal places")
	f.IntVar(&cfg.Page, "page", 1, "page number")
	f.IntVar(&cfg.PageSize, "page-size", 0, "rows per page")
	f.BoolVar(&cfg.MergeRepeats, "merge-repeats", false, "merge repeated measurements of one sample")
	f.StringVar(&aggregation, "aggregation", "", "merge strategy: first, last, mean, sum, min, max, count")
	f.StringVar(&cfg.RepeatPattern, "repeat-pattern", "", "regex whose first group is the base label")
	return cmd
}

func (c *cli) duplicatesCmd() *cobra.Command {
	var cfg pivot.DuplicateConfig
	cmd := &cobra.Command{
		Use:   "duplicates",
		Short: "Compare duplicate samples with their originals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			report, err := c.app.pivots.FindDuplicates(cmd.Context(), projectID, cfg)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().Float64Var(&cfg.ThresholdPercent, "threshold", 0, "relative difference that flags a pair, in percent")
	cmd.Flags().StringArrayVar(&cfg.Patterns, "pattern", nil, "duplicate label regex; first group names the original")
	cmd.Flags().StringSliceVar(&cfg.Elements, "elements", nil, "elements to compare")
	return cmd
}

// compareFlags are the reference comparison settings shared by crm and optimize.
func compareFlags(cmd *cobra.Command, cfg *crm.CompareConfig) {
	f := cmd.Flags()
	f.Float64Var(&cfg.Band.Min, "min-diff", 0, "lower bound of the acceptance band, in percent")
	f.Float64Var(&cfg.Band.Max, "max-diff", 0, "upper bound of the acceptance band, in percent")
	f.Float64Var(&cfg.Band.WarningMargin, "warning-margin", 0, "margin inside the band that warns")
	f.StringVar(&cfg.Method, "method", "", "only compare against this analysis method")
	f.StringSliceVar(&cfg.PreferredMethods, "preferred-methods", nil, "method priority list")
	f.StringSliceVar(&cfg.Elements, "elements", nil, "elements to compare")
	f.StringSliceVar(&cfg.ExcludedElements, "exclude", nil, "elements to skip")
}

// referenceFile is the YAML layout accepted by crm refs load.
type referenceFile struct {
	References []struct {
		ID     string             `yaml:"id"`
		Method string             `yaml:"method"`
		Type   string             `yaml:"type"`
		Values map[string]float64 `yaml:"values"`
	} `yaml:"references"`
}

func (c *cli) crmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crm",
		Short: "Compare reference material rows with certified values",
	}

	var cmp crm.CompareConfig
	compare := &cobra.Command{
		Use:   "compare",
		Short: "Compare every reference row with its certified record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			report, err := c.app.references.Compare(cmd.Context(), projectID, cmp)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	compareFlags(compare, &cmp)

	var position int
	pin := &cobra.Command{
		Use:   "pin LABEL RECORD_KEY",
		Short: "Compare a row against a specific record (ID|Method)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			sel, err := c.app.references.PinSelection(cmd.Context(), projectID, args[0], position, args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, sel)
		},
	}
	pin.Flags().IntVar(&position, "position", 0, "row position for repeated labels")

	unpin := &cobra.Command{
		Use:   "unpin LABEL",
		Short: "Return a row to automatic record selection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			if err := c.app.references.UnpinSelection(cmd.Context(), projectID, args[0], position); err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"unpinned": args[0]})
		},
	}
	unpin.Flags().IntVar(&position, "position", 0, "row position for repeated labels")

	selections := &cobra.Command{
		Use:   "selections",
		Short: "List pinned record selections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			sels, err := c.app.references.ListSelections(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			return printJSON(cmd, sels)
		},
	}

	methods := &cobra.Command{
		Use:   "methods",
		Short: "List analysis methods present in the reference catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := c.app.references.ListAnalysisMethods(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, m)
		},
	}

	cmd.AddCommand(compare, pin, unpin, selections, methods, c.refsCmd())
	return cmd
}

func (c *cli) refsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refs",
		Short: "Manage the certified reference catalogue",
	}

	load := &cobra.Command{
		Use:   "load FILE",
		Short: "Upsert reference records from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			var file referenceFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			for _, r := range file.References {
				m := &models.ReferenceMaterial{ID: r.ID, Method: r.Method, Type: r.Type, Values: r.Values}
				if err := c.app.references.UpsertReference(cmd.Context(), m); err != nil {
					return err
				}
			}
			return printJSON(cmd, map[string]int{"loaded": len(file.References)})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List reference records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			refs, err := c.app.references.ListReferences(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, refs)
		},
	}

	cmd.AddCommand(load, list)
	return cmd
}

// parseCorrections parses LABEL[@POSITION]=VALUE arguments.
func parseCorrections(args []string) ([]services.FieldCorrection, error) {
	items := make([]services.FieldCorrection, 0, len(args))
	for _, a := range args {
		target, raw, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("invalid correction %q, want LABEL[@POSITION]=VALUE", a)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value in %q: %w", a, err)
		}
		item := services.FieldCorrection{Label: target, Value: value}
		if label, pos, ok := strings.Cut(target, "@"); ok {
			p, err := strconv.Atoi(pos)
			if err != nil {
				return nil, fmt.Errorf("invalid position in %q: %w", a, err)
			}
			item.Label = label
			item.Position = &p
		}
		items = append(items, item)
	}
	return items, nil
}

func (c *cli) weightsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weights",
		Short: "Check and correct sample weights, volumes and dilution factors",
	}

	var (
		wc         crm.WeightConfig
		minV, maxV float64
	)
	weightConfig := func(cmd *cobra.Command) crm.WeightConfig {
		cfg := wc
		if cmd.Flags().Changed("min") {
			cfg.Min = &minV
		}
		if cmd.Flags().Changed("max") {
			cfg.Max = &maxV
		}
		return cfg
	}
	rangeFlags := func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&wc.Column, "column", models.ColumnWeight, "metadata column")
		cmd.Flags().Float64Var(&wc.Expected, "expected", 0, "expected value")
		cmd.Flags().Float64Var(&wc.TolerancePercent, "tolerance", 0, "allowed deviation from expected, in percent")
		cmd.Flags().Float64Var(&minV, "min", 0, "lowest acceptable value")
		cmd.Flags().Float64Var(&maxV, "max", 0, "highest acceptable value")
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Report every row's value against the acceptable range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			res, err := c.app.references.CheckWeights(cmd.Context(), projectID, weightConfig(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	rangeFlags(check)

	bad := &cobra.Command{
		Use:   "bad",
		Short: "List rows outside the acceptable range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			res, err := c.app.references.FindBadWeights(cmd.Context(), projectID, weightConfig(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	rangeFlags(bad)

	var column string
	fix := &cobra.Command{
		Use:   "fix LABEL[@POSITION]=VALUE...",
		Short: "Set new values and rescale the rows' element results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			items, err := parseCorrections(args)
			if err != nil {
				return err
			}
			opts, err := c.writeOptions()
			if err != nil {
				return err
			}
			res, err := c.app.corrections.ApplyFieldCorrection(cmd.Context(), projectID,
				services.FieldCorrectionRequest{Column: column, Items: items}, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	fix.Flags().StringVar(&column, "column", models.ColumnWeight, "Weight, Volume or DF")
	addWriteFlags(fix, c)

	cmd.AddCommand(check, bad, fix)
	return cmd
}

func driftFlags(cmd *cobra.Command, cfg *drift.Config, method *string) {
	f := cmd.Flags()
	f.StringVar(&cfg.BasePattern, "base-pattern", "", "regex matching the base standard labels")
	f.StringVar(&cfg.ConePattern, "cone-pattern", "", "regex matching the cone standard labels")
	f.StringVar(method, "method", "", "none, stepwise, linear or polynomial")
	f.IntVar(&cfg.PolynomialDegree, "degree", 0, "polynomial degree")
	f.StringSliceVar(&cfg.Elements, "elements", nil, "elements to correct")
}

func (c *cli) driftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Correct instrument drift using repeated standards",
	}

	var (
		cfg    drift.Config
		method string
		jf     jobFlags
	)
	driftConfig := func() drift.Config {
		d := cfg
		d.Method = drift.Method(method)
		return d
	}

	analyze := &cobra.Command{
		Use:   "analyze",
		Short: "Show standards, fitted trends and the corrections they imply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			a, err := c.app.drifts.Analyze(cmd.Context(), projectID, driftConfig())
			if err != nil {
				return err
			}
			return printJSON(cmd, a)
		},
	}
	driftFlags(analyze, &cfg, &method)

	apply := &cobra.Command{
		Use:   "apply",
		Short: "Apply the drift correction to sample rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			if jf.asJob {
				return c.submit(cmd, &jf, projectID, models.JobKindDriftApply,
					services.DriftApplyJobPayload{Config: driftConfig(), Tag: c.tag})
			}
			opts, err := c.writeOptions()
			if err != nil {
				return err
			}
			res, err := c.app.drifts.Apply(cmd.Context(), projectID, driftConfig(), opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	driftFlags(apply, &cfg, &method)
	addWriteFlags(apply, c)
	jf.register(apply)

	var (
		req       drift.SlopeRequest
		action    string
		slope     float64
		applyEdit bool
	)
	slopeCmd := &cobra.Command{
		Use:   "slope",
		Short: "Preview or apply a manual edit of one element's trend slope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			r := req
			r.Action = drift.SlopeAction(action)
			if cmd.Flags().Changed("slope") {
				r.Slope = &slope
			}
			if !applyEdit {
				adj, err := c.app.drifts.AdjustSlope(cmd.Context(), projectID, driftConfig(), r)
				if err != nil {
					return err
				}
				return printJSON(cmd, adj)
			}
			opts, err := c.writeOptions()
			if err != nil {
				return err
			}
			res, err := c.app.drifts.ApplySlope(cmd.Context(), projectID, driftConfig(), r, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	driftFlags(slopeCmd, &cfg, &method)
	addWriteFlags(slopeCmd, c)
	slopeCmd.Flags().StringVar(&req.Element, "element", "", "element to edit")
	slopeCmd.Flags().StringVar(&action, "action", string(drift.SlopeZero), "zero, rotate_up, rotate_down or set_custom")
	slopeCmd.Flags().Float64Var(&req.Step, "step", 0, "rotation step")
	slopeCmd.Flags().Float64Var(&slope, "slope", 0, "slope for set_custom")
	slopeCmd.Flags().BoolVar(&applyEdit, "apply", false, "persist the edited correction")

	cmd.AddCommand(analyze, apply, slopeCmd)
	return cmd
}

func (c *cli) optimizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Search or set per-element blank and scale parameters",
	}

	var (
		req optimizeFlags
		jf  jobFlags
	)

	run := &cobra.Command{
		Use:   "run",
		Short: "Search parameters that bring reference rows into the band",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			if jf.asJob {
				return c.submit(cmd, &jf, projectID, models.JobKindOptimize,
					services.OptimizeJobPayload{Request: req.request()})
			}
			res, err := c.app.optimizations.Run(cmd.Context(), projectID, req.request())
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	req.register(run)
	jf.register(run)

	apply := &cobra.Command{
		Use:   "apply",
		Short: "Search parameters and apply the winners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			if jf.asJob {
				return c.submit(cmd, &jf, projectID, models.JobKindOptimize,
					services.OptimizeJobPayload{Request: req.request(), Apply: true, Tag: c.tag})
			}
			opts, err := c.writeOptions()
			if err != nil {
				return err
			}
			res, optRun, err := c.app.optimizations.Apply(cmd.Context(), projectID, req.request(), opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"result": res, "optimization": optRun})
		},
	}
	req.register(apply)
	addWriteFlags(apply, c)
	jf.register(apply)

	var (
		params []string
		cmp    crm.CompareConfig
	)
	preview := &cobra.Command{
		Use:   "preview",
		Short: "Show reference agreement before and after operator parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			res, err := c.app.optimizations.PreviewManual(cmd.Context(), projectID, p, cmp)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	preview.Flags().StringArrayVar(&params, "param", nil, "El=blank:scale, repeatable")
	compareFlags(preview, &cmp)

	manual := &cobra.Command{
		Use:   "manual",
		Short: "Apply operator blank and scale parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			opts, err := c.writeOptions()
			if err != nil {
				return err
			}
			res, err := c.app.optimizations.ApplyManual(cmd.Context(), projectID, p, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	manual.Flags().StringArrayVar(&params, "param", nil, "El=blank:scale, repeatable")
	addWriteFlags(manual, c)

	cmd.AddCommand(run, apply, preview, manual)
	return cmd
}

// optimizeFlags collects search settings from flags.
type optimizeFlags struct {
	cmp         crm.CompareConfig
	elements    []string
	population  int
	generations int
	seed        int64
	workers     int
}

func (o *optimizeFlags) register(cmd *cobra.Command) {
	compareFlags(cmd, &o.cmp)
	f := cmd.Flags()
	f.StringSliceVar(&o.elements, "search-elements", nil, "elements to search (default every referenced element)")
	f.IntVar(&o.population, "population", 0, "population size")
	f.IntVar(&o.generations, "generations", 0, "generations")
	f.Int64Var(&o.seed, "seed", 0, "random seed")
	f.IntVar(&o.workers, "workers", 0, "elements searched at once")
}

func (o *optimizeFlags) request() services.OptimizeRequest {
	req := services.OptimizeRequest{Compare: o.cmp, Elements: o.elements}
	req.Search.Population = o.population
	req.Search.Generations = o.generations
	req.Search.Seed = o.seed
	req.Search.Workers = o.workers
	return req
}
