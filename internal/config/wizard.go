package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading stdin and writing stdout
func NewWizard() *Wizard {
	return NewWizardWithIO(os.Stdin, os.Stdout)
}

// NewWizardWithIO creates a wizard over the given streams
func NewWizardWithIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	w.println("=== personakit configuration ===")
	w.println()

	cfg := DefaultConfig()
	validator := NewValidator()

	// Provider
	for {
		w.printf("Model provider (anthropic/openai/mock) [%s]: ", cfg.Model.Provider)
		provider, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if provider == "" {
			break
		}
		if err := validator.ValidateProvider(provider); err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		cfg.Model.Provider = provider
		if provider == "openai" {
			cfg.Model.Name = "gpt-4o"
		}
		if provider == "mock" {
			cfg.Model.Name = "mock-model"
		}
		break
	}

	// API key
	if cfg.Model.Provider != "mock" {
		for {
			w.printf("%s API key: ", cfg.Model.Provider)
			key, err := w.readLine()
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateAPIKey(key, cfg.Model.Provider); err != nil {
				w.printf("Error: %v\n", err)
				continue
			}
			cfg.Model.APIKey = key
			break
		}
	}

	w.printf("Model name [%s]: ", cfg.Model.Name)
	model, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if model != "" {
		cfg.Model.Name = model
	}

	w.println()

	// Budget
	for {
		w.print("Default cost limit per session, 0 for none [0]: ")
		raw, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if raw == "" {
			break
		}
		limit, err := strconv.ParseFloat(raw, 64)
		if err != nil || limit < 0 {
			w.println("Error: cost limit must be a non-negative number")
			continue
		}
		cfg.Budget.CostLimit = limit
		break
	}

	// Storage
	w.println()
	w.println("Storage backends:")
	w.println("  file   - one JSON document per session (default)")
	w.println("  sqlite - single database file")
	w.println("  memory - lost on exit")
	w.println("  none   - persistence disabled")
	w.printf("Storage backend [%s]: ", cfg.Storage.Backend)
	backend, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if backend != "" {
		if err := validator.ValidateBackend(backend); err != nil {
			w.printf("Warning: %v, using default (%s)\n", err, cfg.Storage.Backend)
		} else {
			cfg.Storage.Backend = backend
		}
	}

	w.println()

	// Log Level
	w.print("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			w.printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	w.println()
	w.println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (w *Wizard) print(s string) {
	fmt.Fprint(w.out, s)
}

func (w *Wizard) printf(format string, args ...interface{}) {
	fmt.Fprintf(w.out, format, args...)
}

func (w *Wizard) println(args ...interface{}) {
	fmt.Fprintln(w.out, args...)
}
