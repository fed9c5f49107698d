package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/kwv/radiofix/fix"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	configFile    = flag.String("config", "config.yaml", "Path to configuration file")
	checkOnly     = flag.Bool("check", false, "Validate the configuration and exit")
	estimateFile  = flag.String("estimate", "", "Estimate a fix from a scan JSON file and exit")
	tagOverride   = flag.String("tag", "", "Tag ID override for --estimate mode")
	renderOnly    = flag.Bool("render", false, "Render the floor plan with configured sources and exit")
	outputFile    = flag.String("output", "coverage.png", "Output file for --render mode")
	floorPlanFile = flag.String("floorplan", "floorplan.geojson", "Path to a GeoJSON floor plan file")
	mqttMode      = flag.Bool("mqtt", false, "Run MQTT service mode for live scan ingestion")
	httpMode      = flag.Bool("http", false, "Enable HTTP server for fixes and rendered maps")
	httpListen    = flag.String("listen", "", "HTTP listen address (overrides config)")
	// Vector rendering flags
	renderFormat = flag.String("format", "raster", "Render format: raster, vector, or both")
	vectorFormat = flag.String("vector-format", "svg", "Vector output format: svg or png")
	showCoverage = flag.Bool("coverage", false, "Shade predicted signal strength in raster renders")
)

func main() {
	flag.Parse()
	fmt.Printf("radiofix version: %s\n", Version)

	if *checkOnly {
		runCheck()
		return
	}

	if *estimateFile != "" {
		runEstimate(*estimateFile)
		return
	}

	if *renderOnly {
		runRender()
		return
	}

	if *mqttMode || *httpMode {
		runService()
		return
	}

	fmt.Println("radiofix locates mobile tags from ranging and RSSI scans")
	fmt.Println("Use --check to validate the configuration")
	fmt.Println("Use --estimate=FILE to estimate a fix from a scan JSON file")
	fmt.Println("Use --render to draw the floor plan with configured sources")
	fmt.Println("Use --mqtt to run MQTT service mode")
	fmt.Println("Use --http to run HTTP server mode")
	fmt.Println("Use --mqtt --http to run both MQTT and HTTP together")
	fmt.Println("\nConfiguration:")
	fmt.Println("  config.yaml - MQTT settings, radio sources and estimator overrides")
	fmt.Println("  floorplan.geojson - optional GeoJSON floor plan for rendering")
}

// runCheck validates the configuration and prints a summary
func runCheck() {
	config, err := fix.LoadServiceConfig(*configFile)
	if err != nil {
		log.Fatalf("Config check failed: %v", err)
	}

	sources, err := config.BuildSources()
	if err != nil {
		log.Fatalf("Config check failed: %v", err)
	}
	seqCfg, err := config.SequentialConfig()
	if err != nil {
		log.Fatalf("Config check failed: %v", err)
	}

	fmt.Printf("Config OK: %s\n", *configFile)
	fmt.Printf("  Sources: %d\n", len(sources))
	for _, src := range sources {
		power := "no power model"
		if src.HasPowerModel() {
			power = fmt.Sprintf("tx %.1f dBm, exponent %.2f", *src.TransmittedPower, src.PathLossExponent)
		}
		fmt.Printf("    %s at %s (%s)\n", src.Bssid, src.Position.String(), power)
	}
	fmt.Printf("  Ranging method: %s\n", seqCfg.Ranging.Method)
	fmt.Printf("  RSSI method:    %s\n", seqCfg.Rssi.Method)
	fmt.Printf("  Scan topic:     %s\n", config.ScanTopic())
	fmt.Printf("  Debounce:       %s\n", config.Collector.Window())
}

// runEstimate decodes one scan file and runs the estimator over it
func runEstimate(path string) {
	config, err := fix.LoadServiceConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v (looked at %s)", err, *configFile)
	}

	registry, err := config.BuildRegistry()
	if err != nil {
		log.Fatalf("Failed to build source registry: %v", err)
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Failed to read scan file: %v", err)
	}

	scan, err := fix.DecodeScan(payload, registry)
	if err != nil {
		log.Fatalf("Failed to decode scan: %v", err)
	}
	if *tagOverride != "" {
		scan.Tag = *tagOverride
	}
	if scan.Tag == "" {
		scan.Tag = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if len(scan.Unknown) > 0 {
		log.Printf("Warning: scan lists %d unknown sources: %s", len(scan.Unknown), strings.Join(scan.Unknown, ", "))
	}
	fmt.Printf("Decoded %d reading(s) for %s\n", len(scan.Readings), scan.Tag)

	seqCfg, err := config.SequentialConfig()
	if err != nil {
		log.Fatalf("Invalid estimator settings: %v", err)
	}
	collector, err := fix.NewCollector(config.Collector, registry.Sources(), seqCfg, nil)
	if err != nil {
		log.Fatalf("Failed to create collector: %v", err)
	}
	defer collector.Close()

	if err := collector.Ingest(scan); err != nil {
		log.Fatalf("Failed to ingest scan: %v", err)
	}
	record, err := collector.Flush(scan.Tag)
	if err != nil {
		log.Fatalf("Estimate failed: %v", err)
	}

	out, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode fix: %v", err)
	}
	fmt.Println(string(out))
}

// runRender draws the configured floor plan and sources to a file
func runRender() {
	config, err := fix.LoadServiceConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v (looked at %s)", err, *configFile)
	}
	sources, err := config.BuildSources()
	if err != nil {
		log.Fatalf("Failed to build sources: %v", err)
	}

	plan := loadFloorPlan(config)
	if plan == nil {
		log.Printf("Warning: no floor plan loaded, rendering sources only")
	}

	format := *renderFormat
	if format != "raster" && format != "vector" && format != "both" {
		log.Fatalf("Invalid format: %s (must be raster, vector, or both)", format)
	}

	if format == "raster" || format == "both" {
		renderer := fix.NewCoverageRenderer(plan, sources, nil)
		renderer.ShowCoverage = *showCoverage

		outputPath := *outputFile
		if format == "both" && !strings.HasSuffix(outputPath, ".png") {
			outputPath = strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + ".png"
		}

		if err := renderer.SavePNG(outputPath); err != nil {
			log.Fatalf("Error rendering raster: %v", err)
		}
		fmt.Printf("Created raster: %s\n", outputPath)
	}

	if format == "vector" || format == "both" {
		sceneRenderer := fix.NewSceneRenderer(plan, sources, nil)

		vformat := *vectorFormat
		outputPath := *outputFile
		if format == "both" {
			// Raster already owns the .png path, so the vector pass emits SVG
			vformat = "svg"
			outputPath = strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + ".svg"
		}

		outFile, err := os.Create(outputPath)
		if err != nil {
			log.Fatalf("Error creating output file %s: %v", outputPath, err)
		}
		defer func() {
			if err := outFile.Close(); err != nil {
				log.Printf("Warning: error closing output file %s: %v", outputPath, err)
			}
		}()

		switch vformat {
		case "svg":
			if err := sceneRenderer.RenderToSVG(outFile); err != nil {
				log.Fatalf("Error rendering vector SVG: %v", err)
			}
			fmt.Printf("Created vector SVG: %s\n", outputPath)
		case "png":
			if err := sceneRenderer.RenderToPNG(outFile); err != nil {
				log.Fatalf("Error rendering vector PNG: %v", err)
			}
			fmt.Printf("Created vector PNG: %s\n", outputPath)
		default:
			log.Fatalf("Invalid vector format: %s (must be svg or png)", vformat)
		}
	}

	fmt.Println("Done!")
}

// loadFloorPlan loads the floor plan from the CLI flag path when the file
// exists, falling back to the configured URL. Returns nil when neither is
// available
func loadFloorPlan(config *fix.ServiceConfig) *fix.FloorPlan {
	if _, err := os.Stat(*floorPlanFile); err == nil {
		plan, err := fix.LoadFloorPlan(*floorPlanFile)
		if err != nil {
			log.Printf("Warning: Failed to load floor plan %s: %v", *floorPlanFile, err)
			return nil
		}
		log.Printf("Loaded floor plan from %s (%d rooms, %d walls)", *floorPlanFile, len(plan.Rooms), len(plan.Walls))
		return plan
	}

	if url := config.HTTP.FloorPlanURL; url != "" {
		plan, err := fix.FetchFloorPlan(url)
		if err != nil {
			log.Printf("Warning: Failed to fetch floor plan %s: %v", url, err)
			return nil
		}
		log.Printf("Fetched floor plan from %s (%d rooms, %d walls)", url, len(plan.Rooms), len(plan.Walls))
		return plan
	}

	return nil
}

// runService builds the live service and blocks until interrupted
func runService() {
	fmt.Println("Starting radiofix service...")

	config, err := fix.LoadServiceConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v (looked at %s)", err, *configFile)
	}
	log.Printf("Loaded config from %s", *configFile)

	app, err := NewApp(config)
	if err != nil {
		log.Fatalf("Failed to initialize service: %v", err)
	}
	app.MqttMode = *mqttMode
	app.HttpMode = *httpMode
	app.Listen = *httpListen

	app.Run()
}
