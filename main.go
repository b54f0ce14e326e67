// main.go - Main entry point for the PhyloEngine performance core

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func boilerPlate() {
	fmt.Println("\nPhyloEngine - performance core for evolutionary sound exploration")
	fmt.Println("(c) 2025 - 2026 Phylosonics")
	fmt.Println("https://github.com/phylosonics/PhyloEngine")
	fmt.Println("License: GPLv3 or later")
}

func parseBackendFlag(value string) (int, error) {
	switch value {
	case "oto":
		return AUDIO_BACKEND_OTO, nil
	case "portaudio":
		return AUDIO_BACKEND_PORTAUDIO, nil
	case "none":
		return AUDIO_BACKEND_NONE, nil
	}
	return 0, fmt.Errorf("unknown backend %q (want oto, portaudio or none)", value)
}

func main() {
	boilerPlate()

	var (
		host        string
		backendName string
		sampleRate  int
		storeCap    int
		downloadDir string
		scriptPath  string
		unitName    string
	)

	flagSet := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&host, "host", "http://localhost:3000", "Render service base URL")
	flagSet.StringVar(&backendName, "backend", "oto", "Audio backend: oto, portaudio or none")
	flagSet.IntVar(&sampleRate, "rate", engineSampleRate, "Output sample rate in Hz")
	flagSet.IntVar(&storeCap, "vfs-cap", defaultSampleStoreCap, "Sample store capacity in entries")
	flagSet.StringVar(&downloadDir, "downloads", "downloads", "Directory for downloaded WAV files")
	flagSet.StringVar(&scriptPath, "script", "", "Lua pattern to load into a live-coding unit")
	flagSet.StringVar(&unitName, "unit", "trajectory", "Initial unit: trajectory, looping, sequencing or livecoding")

	flagSet.Usage = func() {
		flagSet.SetOutput(os.Stdout)
		fmt.Println("Usage: ./phylo_engine [-host URL] [-backend oto|portaudio|none] [-unit TYPE] [-script pattern.lua]")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			flagSet.Usage()
			os.Exit(0)
		}
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	backend, err := parseBackendFlag(backendName)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	var unitType UnitType
	switch unitName {
	case "trajectory":
		unitType = UnitTrajectory
	case "looping":
		unitType = UnitLooping
	case "sequencing":
		unitType = UnitSequencing
	case "livecoding":
		unitType = UnitLiveCoding
	default:
		fmt.Printf("Error: unknown unit type %q\n", unitName)
		os.Exit(1)
	}

	core := NewCore(CoreOptions{
		Host:          host,
		Backend:       backend,
		SampleRate:    sampleRate,
		StoreCapacity: storeCap,
		DownloadDir:   downloadDir,
	})

	// An unavailable output is not fatal: the core keeps running with
	// silent units and Initialize can be retried later.
	if err := core.Initialize(); err != nil {
		fmt.Printf("Audio unavailable, continuing silent: %v\n", err)
	}

	if _, err := core.Performer.AddUnit(unitType); err != nil {
		fmt.Printf("Failed to add %s unit: %v\n", unitName, err)
		os.Exit(1)
	}

	if scriptPath != "" {
		code, err := os.ReadFile(scriptPath)
		if err != nil {
			fmt.Printf("Error loading pattern: %v\n", err)
			os.Exit(1)
		}
		unit, err := core.Performer.AddUnit(UnitLiveCoding)
		if err != nil {
			fmt.Printf("Failed to add live-coding unit: %v\n", err)
			os.Exit(1)
		}
		lc := unit.(*LiveCodingUnit)
		if err := lc.Evaluate(string(code)); err != nil {
			fmt.Printf("Pattern error: %v\n", err)
			os.Exit(1)
		}
		if err := lc.StartPattern(); err != nil {
			fmt.Printf("Pattern start error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Playing pattern: %s\n", scriptPath)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("\nShutting down")
	core.Shutdown()
}
