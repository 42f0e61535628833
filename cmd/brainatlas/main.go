package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"brainatlas/internal/models"
	"brainatlas/pkg/atlas"
	"brainatlas/pkg/backend"
	"brainatlas/pkg/config"
	"brainatlas/pkg/logging"
	"brainatlas/pkg/transform"
	"brainatlas/pkg/visualization"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "brainatlas.yaml", "Path to the YAML configuration file")
	atlasDir := flag.String("atlas-dir", "", "Override the atlas directory from the config")
	listROIs := flag.String("list-rois", "", "List the ROIs of the given atlas and exit")
	atlasName := flag.String("atlas", "", "Atlas name or path to a custom atlas file")
	maskName := flag.String("mask", "", "Mask name or path to a custom mask file")
	roiList := flag.String("rois", "all", "Comma-separated ROI labels or indices to extract")
	mode := flag.String("mode", "", "Extraction mode: vec, mean, box or img")
	threshold := flag.Float64("threshold", -1, "Mask threshold (negative: use config default)")
	inputDir := flag.String("input", "", "Directory containing subject volumes (.nii/.nii.gz)")
	outputFile := flag.String("output", "features.tsv", "Output file for extracted features")
	previewDir := flag.String("preview", "", "Directory to save slice previews of the first ROI mask")
	prewarm := flag.Bool("prewarm", false, "Pre-warm the atlas cache for the input geometry and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *atlasDir != "" {
		cfg.Atlas.Dir = *atlasDir
	}
	if *mode == "" {
		*mode = cfg.Extraction.Mode
	}

	if err := logging.Initialize(cfg.Logging.Verbose, cfg.Logging.JSON); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	be := backend.NewNiftiBackend()
	registry := atlas.NewRegistry(cfg.Atlas.Dir)
	library := atlas.NewLibrary(be, registry)

	// Listing needs no input volumes
	if *listROIs != "" {
		for _, label := range library.ListROIs(*listROIs) {
			fmt.Println(label)
		}
		return
	}

	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}
	if *atlasName == "" && *maskName == "" {
		log.Fatalf("Either -atlas or -mask is required")
	}

	set, err := loadVolumes(be, *inputDir)
	if err != nil {
		log.Fatalf("Failed to load input volumes: %v", err)
	}
	fmt.Printf("Loaded %d subject volumes from %s\n", set.NSubjects(), *inputDir)

	first := set.First()
	affine := first.Affine
	shape := first.Shape()

	if *prewarm {
		names := cfg.Prewarm
		if len(names) == 0 && *atlasName != "" {
			names = []string{*atlasName}
		}
		fmt.Printf("Pre-warming %d atlases...\n", len(names))
		start := time.Now()
		if err := library.PreWarm(names, &affine, &shape, maskThreshold(cfg, *threshold)); err != nil {
			log.Fatalf("Pre-warm failed: %v", err)
		}
		fmt.Printf("Cache warm after %.2f seconds\n", time.Since(start).Seconds())
		return
	}

	extractMode, err := transform.ParseExtractMode(*mode)
	if err != nil {
		log.Fatalf("Invalid extraction mode: %v", err)
	}

	if *maskName != "" {
		runMask(library, be, cfg, set, *maskName, extractMode, *threshold, *outputFile)
		return
	}
	runAtlas(library, be, cfg, set, *atlasName, extractMode, *roiList, *threshold, *outputFile, *previewDir, affine, shape)
}

// runAtlas extracts the selected ROIs of an atlas and writes one feature row
// per subject.
func runAtlas(library *atlas.Library, be backend.Backend, cfg *config.Config, set *models.VolumeSet,
	atlasName string, mode transform.ExtractMode, roiList string, threshold float64,
	outputFile, previewDir string, affine models.Affine, shape [3]int) {

	ba, err := transform.NewBrainAtlas(library, be, atlasName, mode, maskThreshold(cfg, threshold), parseROIs(roiList))
	if err != nil {
		log.Fatalf("Failed to configure atlas transformer: %v", err)
	}
	ba.SetBackgroundID(cfg.Extraction.BackgroundID)

	fmt.Printf("Extracting ROIs from atlas %s...\n", atlasName)
	start := time.Now()
	data, err := ba.Transform(set)
	if err != nil {
		log.Fatalf("Extraction failed: %v", err)
	}
	fmt.Printf("Extraction finished in %.2f seconds\n", time.Since(start).Seconds())

	allocation, order := ba.ROIAllocation()
	fmt.Printf("Extracted %d ROIs: %s\n", len(allocation), strings.Join(order, ", "))

	if err := writeFeatures(outputFile, data.Concat); err != nil {
		log.Fatalf("Failed to write features: %v", err)
	}
	fmt.Printf("Features saved to: %s\n", outputFile)

	if previewDir != "" {
		atlasObj, err := library.GetAtlas(atlasName, &affine, &shape, maskThreshold(cfg, threshold))
		if err != nil {
			log.Fatalf("Failed to reload atlas for preview: %v", err)
		}
		roi := atlasObj.RoiByLabel(order[0])
		viewer := visualization.NewViewer(set.First())
		if roi != nil && roi.Mask != nil {
			if err := viewer.SetOverlay(roi.Mask); err != nil {
				log.Fatalf("Failed to build preview overlay: %v", err)
			}
		}
		if err := viewer.SaveSliceSequence("z", previewDir); err != nil {
			log.Printf("Warning: failed to save preview slices: %v", err)
		} else {
			fmt.Printf("Preview slices saved to: %s\n", previewDir)
		}
	}
}

// runMask extracts a single mask and writes the per-subject result.
func runMask(library *atlas.Library, be backend.Backend, cfg *config.Config, set *models.VolumeSet,
	maskName string, mode transform.ExtractMode, threshold float64, outputFile string) {

	t := cfg.Atlas.MaskThreshold
	if threshold >= 0 {
		t = threshold
	}
	bm, err := transform.NewBrainMask(library, be, maskName, mode, t)
	if err != nil {
		log.Fatalf("Failed to configure mask transformer: %v", err)
	}

	fmt.Printf("Extracting mask %s...\n", maskName)
	data, err := bm.Transform(set)
	if err != nil {
		log.Fatalf("Extraction failed: %v", err)
	}

	switch mode {
	case transform.Vector:
		err = writeFeatures(outputFile, data.Vectors)
	case transform.Mean:
		err = writeFeatures(outputFile, [][]float64{data.Means})
	default:
		log.Fatalf("Extraction mode %s has no tabular output, use vec or mean", mode)
	}
	if err != nil {
		log.Fatalf("Failed to write features: %v", err)
	}
	fmt.Printf("Features saved to: %s\n", outputFile)
}

// loadVolumes reads every NIfTI file in a directory into one subject set.
func loadVolumes(be backend.Backend, dir string) (*models.VolumeSet, error) {
	files, err := atlas.NiiFilesFromDir(dir, ".nii.gz")
	if err != nil {
		return nil, err
	}
	plain, err := atlas.NiiFilesFromDir(dir, ".nii")
	if err != nil {
		return nil, err
	}
	for _, f := range plain {
		if !strings.HasSuffix(f, ".nii.gz") {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .nii or .nii.gz files in %s", dir)
	}

	vols := make([]*models.Volume, 0, len(files))
	for _, f := range files {
		vol, err := be.Load(f)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
		vols = append(vols, vol)
	}
	return models.NewVolumeSet(vols...)
}

// parseROIs interprets the -rois flag: "all", labels, or integer indices.
func parseROIs(s string) transform.ROISelection {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	allInts := true
	indices := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			allInts = false
			break
		}
		indices = append(indices, n)
	}
	if allInts && len(indices) > 0 {
		return transform.ByIndices(indices...)
	}
	return transform.ByLabels(parts...)
}

// writeFeatures saves rows of float features as tab-separated text.
func writeFeatures(path string, rows [][]float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, row := range rows {
		fields := make([]string, len(row))
		for i, v := range row {
			fields[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if _, err := fmt.Fprintln(f, strings.Join(fields, "\t")); err != nil {
			return err
		}
	}
	return nil
}

// maskThreshold converts the CLI threshold flag into the optional pointer
// form the library takes; negative means unset.
func maskThreshold(cfg *config.Config, flagValue float64) *float64 {
	if flagValue >= 0 {
		return &flagValue
	}
	return nil
}
