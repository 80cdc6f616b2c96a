package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/auralens/auralens/pkg/client"
	"github.com/auralens/auralens/pkg/jsontime"
	"github.com/auralens/auralens/pkg/wire"
)

var (
	simulateURL         string
	simulateScriptPath  string
	simulateMode        string
	simulateSensitivity int
)

// ScriptStep is one action of a simulation script. Exactly one field should
// be set per step.
type ScriptStep struct {
	Wait       jsontime.Duration `yaml:"wait,omitempty"`
	Transcript string            `yaml:"transcript,omitempty"`
	Perception string            `yaml:"perception,omitempty"`
	Speech     string            `yaml:"speech,omitempty"` // "start" or "stop"
	Mode       string            `yaml:"mode,omitempty"`
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Play a scripted session against a server",
	Long: `Plays a YAML event script against a running server and prints every
assistant response. Example script:

  - perception: "a desk with a laptop"
  - wait: 500ms
  - transcript: "what do you see"
  - wait: 3s
  - speech: start
  - speech: stop`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(simulateScriptPath)
		if err != nil {
			return err
		}
		var script []ScriptStep
		if err := yaml.UnmarshalWithOptions(data, &script, yaml.UseJSONUnmarshaler()); err != nil {
			return fmt.Errorf("parse %s: %w", simulateScriptPath, err)
		}
		return runSimulate(cmd.Context(), script)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateURL, "url", "ws://localhost:8990", "server URL")
	simulateCmd.Flags().StringVarP(&simulateScriptPath, "script", "f", "script.yaml", "event script")
	simulateCmd.Flags().StringVar(&simulateMode, "mode", "general", "session mode")
	simulateCmd.Flags().IntVar(&simulateSensitivity, "sensitivity", 5, "proactivity 0-10")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(ctx context.Context, script []ScriptStep) error {
	c := client.New(client.Config{
		URL:         simulateURL,
		Mode:        simulateMode,
		Sensitivity: simulateSensitivity,
		Handler:     printResponse,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for c.SessionID() == "" {
		select {
		case err := <-runErr:
			return err
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no session_ready from %s", simulateURL)
		}
		time.Sleep(10 * time.Millisecond)
	}
	fmt.Printf("session %s started\n", c.SessionID())

	for i, step := range script {
		if err := playStep(c, step); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	// Leave room for trailing responses before ending the session.
	time.Sleep(time.Second)
	_ = c.End("script finished")
	return nil
}

func playStep(c *client.Client, step ScriptStep) error {
	switch {
	case step.Wait > 0:
		time.Sleep(time.Duration(step.Wait))
		return nil
	case step.Transcript != "":
		return c.Send(&wire.Transcript{Text: step.Transcript, Time: jsontime.Now()})
	case step.Perception != "":
		return c.Send(&wire.Perception{Description: step.Perception, CapturedAt: jsontime.Now()})
	case step.Speech == "start":
		return c.Send(&wire.SpeechStarted{Time: jsontime.Now()})
	case step.Speech == "stop":
		return c.Send(&wire.SpeechStopped{Time: jsontime.Now()})
	case step.Mode != "":
		return c.Send(&wire.ModeChange{Mode: step.Mode})
	default:
		return fmt.Errorf("empty step")
	}
}

func printResponse(m wire.Msg) {
	switch v := m.(type) {
	case *wire.AIResponse:
		tag := v.Tier
		if v.Unsolicited {
			tag += ", unsolicited"
		}
		fmt.Printf("assistant (%s): %s\n", tag, v.Text)
	case *wire.StopAudio:
		fmt.Println("-- audio stopped --")
	case *wire.RequestFrame:
		fmt.Println("-- server requested a fresh frame --")
	}
}
