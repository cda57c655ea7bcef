package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gmseg/pkg/atlas"
	"gmseg/pkg/config"
	"gmseg/pkg/segmentation"
)

// segmentOptions holds the segment flags
type segmentOptions struct {
	inputs segmentation.Inputs

	model          string
	weightLevel    float64
	weightCoord    float64
	thrSimilarity  float64
	resType        string
	emptySelection string
	ofolder        string
	denoising      bool
	normalization  bool
	ratio          string
	qc             bool
	keepTmp        bool
	workers        int
}

var segmentFlags segmentOptions

var segmentCmd = &cobra.Command{
	Use:   "segment",
	Short: "Segment the gray and white matter of a spinal cord image",
	Example: `  gmseg segment -i t2s.nii.gz -s t2s_seg.nii.gz --model atlas.db
  gmseg segment -i t2s.nii.gz -s t2s_seg.nii.gz --vertfile t2s_levels.nii.gz --res-type bin --qc`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSegment(cmd, &segmentFlags)
	},
}

func init() {
	bindSegmentFlags(segmentCmd, &segmentFlags)
}

func bindSegmentFlags(cmd *cobra.Command, o *segmentOptions) {
	f := cmd.Flags()
	f.StringVarP(&o.inputs.Image, "input", "i", "", "Target image (.nii or .nii.gz)")
	f.StringVarP(&o.inputs.Seg, "seg", "s", "", "Spinal cord segmentation of the target")
	f.StringVar(&o.inputs.Levels, "vertfile", "", "Vertebral levels: label image or text file of \"slice,level\" lines")
	f.StringVar(&o.inputs.Ref, "ref", "", "Reference gray matter segmentation to validate against")

	f.StringVar(&o.model, "model", "", "Atlas model database")
	f.Float64Var(&o.weightLevel, "w-levels", 0, "Weight of the vertebral level difference")
	f.Float64Var(&o.weightCoord, "w-coordi", 0, "Weight of the reduced-space distance")
	f.Float64Var(&o.thrSimilarity, "thr-sim", 0, "Similarity threshold for atlas slice selection, in (0, 1]")
	f.StringVar(&o.resType, "res-type", "", "Result type: bin or prob")
	f.StringVar(&o.emptySelection, "empty-selection", "", "When no atlas slice is selected: best, zero or error")
	f.StringVar(&o.ofolder, "ofolder", "", "Output folder")
	f.BoolVar(&o.denoising, "denoising", false, "Denoise the target before segmenting")
	f.BoolVar(&o.normalization, "normalization", false, "Normalize intensities with the atlas statistics")
	f.StringVar(&o.ratio, "ratio", "", "Write the GM/WM area ratio by slice or by level")
	f.BoolVar(&o.qc, "qc", false, "Write QC images")
	f.BoolVar(&o.keepTmp, "keep-tmp", false, "Keep the work directory")
	f.IntVar(&o.workers, "workers", 0, "Number of slices processed in parallel")

	// only fails for unknown flag names
	cobra.CheckErr(cmd.MarkFlagRequired("input"))
	cobra.CheckErr(cmd.MarkFlagRequired("seg"))
}

// loadConfig reads the configuration file and applies the flags that were set
func loadConfig(cmd *cobra.Command, o *segmentOptions) (config.Config, error) {
	loaded, err := config.LoadConfig(configPath)
	if err != nil {
		return config.Config{}, err
	}
	cfg := *loaded

	f := cmd.Flags()
	if f.Changed("model") {
		cfg.Model.Path = o.model
	}
	if f.Changed("w-levels") {
		cfg.Segmentation.WeightLevel = o.weightLevel
	}
	if f.Changed("w-coordi") {
		cfg.Segmentation.WeightCoord = o.weightCoord
	}
	if f.Changed("thr-sim") {
		cfg.Segmentation.ThrSimilarity = o.thrSimilarity
	}
	if f.Changed("res-type") {
		cfg.Segmentation.OutputType = o.resType
	}
	if f.Changed("empty-selection") {
		cfg.Segmentation.EmptySelection = o.emptySelection
	}
	if f.Changed("ofolder") {
		cfg.Output.Folder = o.ofolder
	}
	if f.Changed("denoising") {
		cfg.Data.Denoising = o.denoising
	}
	if f.Changed("normalization") {
		cfg.Data.Normalization = o.normalization
	}
	if f.Changed("ratio") {
		cfg.Output.Ratio = o.ratio
	}
	if f.Changed("qc") {
		cfg.Output.QC = o.qc
	}
	if f.Changed("keep-tmp") {
		cfg.Output.KeepTemp = o.keepTmp
	}
	if f.Changed("workers") {
		cfg.Processing.NumWorkers = o.workers
	}
	if verbose {
		cfg.Output.Verbose = true
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if cfg.Model.Path == "" {
		return config.Config{}, fmt.Errorf("%w: no atlas model, set --model or model.path", segmentation.ErrMissingInput)
	}
	return cfg, nil
}

func runSegment(cmd *cobra.Command, o *segmentOptions) error {
	cfg, err := loadConfig(cmd, o)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	startTime := time.Now()
	model, err := atlas.Load(ctx, cfg.Model.Path)
	if err != nil {
		return err
	}
	logger.Info("Loaded atlas model",
		zap.String("path", cfg.Model.Path),
		zap.Int("slices", len(model.Slices)),
		zap.Bool("levels", model.HasLevels()))

	segmenter, err := segmentation.New(cfg, model, segmentation.WithLogger(logger))
	if err != nil {
		return err
	}
	res, err := segmenter.Process(ctx, o.inputs)
	if err != nil {
		return err
	}

	fmt.Printf("\nSegmentation completed in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("Segmented slices: %d (%d resolved by the %q policy)\n",
		len(res.Slices), len(res.Flagged), cfg.Segmentation.EmptySelection)
	for _, file := range res.Files {
		fmt.Printf("  %s\n", file)
	}
	if res.Report != nil {
		fmt.Printf("\nValidation against %s:\n", o.inputs.Ref)
		fmt.Printf("Dice coefficient: %.4f\n", res.Report.Dice)
		fmt.Printf("Hausdorff distance: mean %.3f mm, max %.3f mm\n", res.Report.MeanHausdorff, res.Report.MaxHausdorff)
	}
	if res.WorkDir != "" {
		fmt.Printf("\nWork directory kept in %s\n", res.WorkDir)
	}
	return nil
}
