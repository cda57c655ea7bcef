package segmentation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"gmseg/pkg/config"
	"gmseg/pkg/fusion"
	"gmseg/pkg/nifti"
	"gmseg/pkg/preprocess"
	"gmseg/pkg/validation"
	"gmseg/pkg/visualization"
)

// qcScale is the upscaling factor of the QC images
const qcScale = 4

func (r *run) load(ctx context.Context) error {
	var err error
	if r.image, err = nifti.Read(r.in.Image); err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	if r.seg, err = nifti.Read(r.in.Seg); err != nil {
		return fmt.Errorf("failed to read spinal cord segmentation: %w", err)
	}
	if r.levels, err = preprocess.OpenLevels(r.in.Levels); err != nil {
		return err
	}
	if r.in.Ref != "" {
		if r.ref, err = nifti.Read(r.in.Ref); err != nil {
			return fmt.Errorf("failed to read reference segmentation: %w", err)
		}
	}

	r.s.logger.Info("Loaded inputs",
		zap.String("image", r.in.Image),
		zap.Ints("shape", []int{r.image.Nx, r.image.Ny, r.image.Nz}),
		zap.Bool("levels", r.levels != nil))
	return nil
}

// outputPath names an output after the target image
func (r *run) outputPath(suffix string) string {
	return filepath.Join(r.s.cfg.Output.Folder, nifti.Basename(r.in.Image)+suffix)
}

func (r *run) save(ctx context.Context) error {
	if err := os.MkdirAll(r.s.cfg.Output.Folder, 0755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}
	for _, out := range []struct {
		im   *nifti.Image
		path string
	}{
		{r.result.GM, r.outputPath("_gmseg.nii.gz")},
		{r.result.WM, r.outputPath("_wmseg.nii.gz")},
	} {
		if err := out.im.Write(out.path); err != nil {
			return err
		}
		r.result.Files = append(r.result.Files, out.path)
		r.s.logger.Info("Saved segmentation", zap.String("path", out.path))
	}
	return nil
}

func (r *run) validate(ctx context.Context) error {
	report, err := validation.Compare(r.result.GM, r.ref, fusion.BinaryThreshold)
	if err != nil {
		return err
	}
	path := r.outputPath("_validation.yaml")
	if err := report.Save(path); err != nil {
		return err
	}
	r.result.Report = report
	r.result.Files = append(r.result.Files, path)

	r.s.logger.Info("Validation",
		zap.Float64("dice", report.Dice),
		zap.Float64("meanHausdorff", report.MeanHausdorff),
		zap.Float64("maxHausdorff", report.MaxHausdorff),
		zap.String("report", path))
	return nil
}

func (r *run) ratios(ctx context.Context) error {
	ratios, err := validation.RatioBySlice(r.result.GM, r.result.WM)
	if err != nil {
		return err
	}

	mode := r.s.cfg.Output.Ratio
	if mode == config.RatioLevel {
		levels := r.sliceLevels()
		if len(levels) == 0 {
			r.s.logger.Warn("No vertebral levels, the ratio by level is empty")
		}
		ratios = validation.RatioByLevel(ratios, levels)
	}

	path := filepath.Join(r.s.cfg.Output.Folder, "ratio_by_"+mode+".yaml")
	if err := validation.WriteRatios(path, mode, ratios); err != nil {
		return err
	}
	r.result.Ratios = ratios
	r.result.Files = append(r.result.Files, path)
	r.s.logger.Info("Saved GM/WM ratios", zap.String("path", path), zap.Int("entries", len(ratios)))
	return nil
}

func (r *run) qc(ctx context.Context) error {
	viewer, err := visualization.NewViewer(r.image, r.result.GM, r.result.WM, qcScale)
	if err != nil {
		return err
	}
	files, err := viewer.SaveSliceSequence(r.outputPath("_qc"))
	r.result.Files = append(r.result.Files, files...)
	if err != nil {
		return err
	}
	r.s.logger.Info("Saved QC images", zap.Int("count", len(files)))
	return nil
}
