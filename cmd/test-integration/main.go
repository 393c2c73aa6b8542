// Command test-integration runs a synthetic capture through conform and
// track jobs end to end and prints the stored results.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"meshtrack/internal/capture"
	"meshtrack/internal/config"
	"meshtrack/internal/gpu"
	"meshtrack/internal/logging"
	"meshtrack/internal/mesh"
	"meshtrack/internal/pipeline"
	"meshtrack/internal/storage"
)

const (
	width  = 64
	height = 48
)

func main() {
	keep := flag.Bool("keep", false, "keep the working directory")
	frames := flag.Int("frames", 12, "frames in the tracked take")
	flag.Parse()

	fmt.Println("Testing conform + track on a synthetic capture")

	work, err := os.MkdirTemp("", "meshtrack-integration-")
	if err != nil {
		log.Fatal("Failed to create work dir:", err)
	}
	if !*keep {
		defer os.RemoveAll(work)
	}

	cfg := config.Default()
	cfg.Paths.DefaultOutput = filepath.Join(work, "output")
	cfg.Logging.Level = "warn"
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	store, err := storage.New(filepath.Join(work, "integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	acc, err := gpu.FromConfig(cfg.Accelerator, logger)
	if err != nil {
		log.Fatal("Failed to create accelerator:", err)
	}
	defer acc.Close()

	templatePath := filepath.Join(work, "template.json")
	if err := mesh.Save(templatePath, templateMesh()); err != nil {
		log.Fatal("Failed to write template:", err)
	}
	scanDir := filepath.Join(work, "scan")
	takeDir := filepath.Join(work, "take")
	writeCapture(scanDir, "scan-1", []float64{1.0})
	depths := make([]float64, *frames)
	for i := range depths {
		depths[i] = 1.0 + 0.05*float64(i%5)/4
	}
	writeCapture(takeDir, "take-1", depths)
	fmt.Printf("✅ Synthetic capture written to %s\n", work)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	pipe := pipeline.New(ctx, 1, logger, store, cfg, acc)
	defer pipe.Stop()

	res := runJob(ctx, pipe, pipeline.Job{
		ID:        "integration-conform",
		Type:      pipeline.JobConform,
		InputPath: scanDir,
		Output:    cfg.Paths.DefaultOutput,
		Options:   map[string]any{"template": templatePath, "subject": "synthetic"},
	})
	fmt.Printf("✅ Identity mesh conformed: rounds=%v coverage=%v\n", res.Meta["rounds"], res.Meta["coverage"])

	res = runJob(ctx, pipe, pipeline.Job{
		ID:        "integration-track",
		Type:      pipeline.JobTrack,
		InputPath: takeDir,
		Output:    cfg.Paths.DefaultOutput,
		Options:   map[string]any{"subject": "synthetic"},
	})
	fmt.Printf("✅ Take tracked: frames=%v failed=%v low_confidence=%v fallbacks=%v\n",
		res.Meta["frames"], res.Meta["failed"], res.Meta["low_confidence"], res.Meta["fallbacks"])

	recs, err := store.Frames("take-1", 0, *frames)
	if err != nil {
		log.Fatal("Failed to read frames:", err)
	}
	fmt.Printf("📊 Stored frames:\n")
	for i, rec := range recs {
		fmt.Printf("   %3d depth=%.3f valid=%t low_confidence=%t %s\n", rec.Frame, depths[i], rec.Valid, rec.LowConfidence, rec.Output)
	}
	if len(recs) != *frames {
		log.Fatalf("expected %d stored frames, got %d", *frames, len(recs))
	}
}

func runJob(ctx context.Context, pipe *pipeline.Pipeline, job pipeline.Job) pipeline.Result {
	results, unsubscribe := pipe.Subscribe()
	defer unsubscribe()
	if err := pipe.Submit(job); err != nil {
		log.Fatal("Failed to submit job:", err)
	}
	for {
		select {
		case <-ctx.Done():
			log.Fatal("Timed out waiting for ", job.ID)
		case res := <-results:
			if res.Job.ID != job.ID {
				continue
			}
			if res.Error != nil {
				log.Fatalf("Job %s failed: %v", job.ID, res.Error)
			}
			return res
		}
	}
}

// templateMesh is a 7x5 vertex sheet at 1m whose one blendshape pushes it
// away from the camera.
func templateMesh() *mesh.Mesh {
	const cols, rows = 7, 5
	var neutral, push []r3.Vec
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			neutral = append(neutral, r3.Vec{X: 0.05 * float64(c-cols/2), Y: 0.05 * float64(r-rows/2), Z: 1})
			push = append(push, r3.Vec{Z: 0.1})
		}
	}
	var faces []mesh.Face
	for r := 0; r < rows-1; r++ {
		for c := 0; c < cols-1; c++ {
			i := r*cols + c
			faces = append(faces, mesh.Face{i, i + 1, i + cols}, mesh.Face{i + 1, i + cols + 1, i + cols})
		}
	}
	basis, err := mesh.NewBlendshapes([]string{"push"}, [][]r3.Vec{push}, []float64{-1}, []float64{1})
	if err != nil {
		log.Fatal("Failed to build basis:", err)
	}
	m, err := mesh.New("synthetic", neutral, faces, basis, map[string]int{"center": rows/2*cols + cols/2})
	if err != nil {
		log.Fatal("Failed to build template:", err)
	}
	return m
}

// writeCapture writes a one-camera session observing a fronto-parallel
// plane at depths[i] meters in frame i.
func writeCapture(dir, id string, depths []float64) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Fatal(err)
	}
	cam := capture.Camera{
		Name:       "front",
		Intrinsics: capture.Intrinsics{Fx: 80, Fy: 80, Cx: width / 2, Cy: height / 2, Width: width, Height: height},
		Extrinsics: capture.IdentityExtrinsics(),
	}
	if err := capture.WriteSession(dir, &capture.SessionManifest{
		ID:         id,
		Subject:    "synthetic",
		Cameras:    map[string]capture.Camera{"front": cam},
		Reference:  "front",
		DepthScale: 0.001,
	}); err != nil {
		log.Fatal("Failed to write session:", err)
	}
	start := time.Now()
	for i, z := range depths {
		depthName := fmt.Sprintf("depth_%06d.png", i)
		imageName := fmt.Sprintf("image_%06d.png", i)
		depth := image.NewGray16(image.Rect(0, 0, width, height))
		texture := image.NewGray(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				depth.SetGray16(x, y, color.Gray16{Y: uint16(z * 1000)})
				texture.SetGray(x, y, color.Gray{Y: uint8((x*37 + y*91 + i*5) % 256)})
			}
		}
		writePNG(filepath.Join(dir, depthName), depth)
		writePNG(filepath.Join(dir, imageName), texture)
		if err := capture.WriteFrame(dir, &capture.FrameManifest{
			Index:     i,
			Timestamp: start.Add(time.Duration(i) * time.Second / 30),
			Views:     []capture.ViewManifest{{Camera: "front", Image: imageName, Depth: depthName}},
			Landmarks: map[string]capture.Point2{"center": {X: width / 2, Y: height / 2}},
		}); err != nil {
			log.Fatal("Failed to write frame:", err)
		}
	}
}

func writePNG(path string, img image.Image) {
	f, err := os.Create(path)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		log.Fatal(err)
	}
}
