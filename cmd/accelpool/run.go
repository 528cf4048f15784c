package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/gammadia/accelpool"
	"github.com/gammadia/accelpool/host"
	"github.com/gammadia/accelpool/session"
	"github.com/gammadia/accelpool/storage"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	_ "github.com/gammadia/accelpool/host/aws"
	_ "github.com/gammadia/accelpool/host/openstack"
)

var runCmd = &cobra.Command{
	Use:   "run [INPUT...]",
	Short: "Provisions a pool of accelerators and processes the given inputs",
	Long: strings.TrimSpace(`
Provisions a pool of accelerator hosts, sends the accelerator configuration,
processes every INPUT (a storage URL: file, http, https, s3 or swift) and
stops the pool according to the stop policy.

Configuration values not given as flags are resolved from the configuration
file and the environment.
`),

	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := loadParameters(cmd)
		if err != nil {
			return err
		}

		stopPolicy, err := host.ParseStopPolicy(lo.Must(cmd.Flags().GetString("stop-policy")))
		if err != nil {
			return err
		}

		pool, err := accelpool.New(accelpool.Options{
			HostType:       lo.Must(cmd.Flags().GetString("host-type")),
			Workers:        lo.Must(cmd.Flags().GetInt("workers")),
			InstanceID:     lo.Must(cmd.Flags().GetString("instance-id")),
			HostAddress:    lo.Must(cmd.Flags().GetString("host-ip")),
			Region:         lo.Must(cmd.Flags().GetString("region")),
			StopPolicy:     stopPolicy,
			AllowDegraded:  lo.Must(cmd.Flags().GetBool("allow-degraded")),
			ProcessTimeout: lo.Must(cmd.Flags().GetDuration("process-timeout")),
			SessionTimeout: lo.Must(cmd.Flags().GetDuration("session-timeout")),
			Config:         resolver,
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create pool: %w", err)
		}

		ctx := cmd.Context()
		if err := pool.Start(ctx, params); err != nil {
			_ = pool.Stop(ctx)
			return fmt.Errorf("failed to start pool: %w", err)
		}

		outputDir := lo.Must(cmd.Flags().GetString("output-dir"))
		jobs := lo.Map(args, func(input string, _ int) session.Job {
			return session.Job{
				Input:      input,
				Output:     outputURL(outputDir, input),
				Parameters: params,
			}
		})

		results, processErr := pool.Map(ctx, jobs)
		if processErr != nil {
			logger.Error("Processing failed", "error", processErr)
		}

		if err := writeResults(cmd, args, results); err != nil {
			logger.Error("Failed to write results", "error", err)
			processErr = fmt.Errorf("failed to write results: %w", err)
		}

		if err := pool.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop pool: %w", err)
		}
		return processErr
	},
}

func init() {
	runCmd.Flags().String("host-type", "", "cloud provider of the hosts (aws, openstack)")
	runCmd.Flags().Int("workers", 0, "number of accelerator hosts in the pool")
	runCmd.Flags().String("instance-id", "", "reuse an existing instance instead of creating one")
	runCmd.Flags().String("host-ip", "", "address of an already running accelerator host")
	runCmd.Flags().String("region", "", "cloud region of the hosts")
	runCmd.Flags().String("stop-policy", "", "what to do with the hosts on stop (term, stop, keep)")
	runCmd.Flags().Bool("allow-degraded", false, "continue with a partial pool when some hosts fail to start")
	runCmd.Flags().Duration("process-timeout", 0, "maximum duration of a single job, 0 for no limit")
	runCmd.Flags().Duration("session-timeout", 0, "maximum duration of a single remote call, 0 for no limit")
	runCmd.Flags().StringArray("param", nil, "accelerator configuration parameter (key=value), repeatable")
	runCmd.Flags().String("parameters", "", "storage URL of a JSON document with accelerator configuration parameters")
	runCmd.Flags().String("output-dir", "", "storage URL under which processed outputs are written")
	runCmd.Flags().String("results", "", "storage URL where the result report is written, stdout if empty")
}

// loadParameters merges the --parameters JSON document with --param overrides.
func loadParameters(cmd *cobra.Command) (session.Parameters, error) {
	params := session.Parameters{}

	if source := lo.Must(cmd.Flags().GetString("parameters")); source != "" {
		r, err := storage.Open(cmd.Context(), source)
		if err != nil {
			return nil, fmt.Errorf("failed to open parameters '%s': %w", source, err)
		}
		defer r.Close()

		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read parameters '%s': %w", source, err)
		}
		if err := json.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("failed to parse parameters '%s': %w", source, err)
		}
	}

	for _, param := range lo.Must(cmd.Flags().GetStringArray("param")) {
		key, value, found := strings.Cut(param, "=")
		if !found {
			return nil, fmt.Errorf("invalid parameter '%s', expected key=value", param)
		}
		params[key] = value
	}

	return params, nil
}

// outputURL derives the output location of an input from --output-dir,
// keeping the input's base name. Without --output-dir the accelerator
// keeps its output on the host.
func outputURL(dir, input string) string {
	if dir == "" {
		return ""
	}
	return strings.TrimSuffix(dir, "/") + "/" + path.Base(strings.TrimSuffix(input, "/"))
}

type resultReport struct {
	Input       string              `json:"input"`
	Specific    map[string]any      `json:"specific,omitempty"`
	Diagnostics session.Diagnostics `json:"diagnostics"`
}

func writeResults(cmd *cobra.Command, inputs []string, results []session.Result) error {
	report := lo.Map(results, func(result session.Result, i int) resultReport {
		return resultReport{
			Input:       inputs[i],
			Specific:    result.Specific,
			Diagnostics: result.Diagnostics,
		}
	})

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}

	if target := lo.Must(cmd.Flags().GetString("results")); target != "" {
		return storage.Create(cmd.Context(), target, bytes.NewReader(data))
	}

	cmd.Println(string(data))
	return nil
}
