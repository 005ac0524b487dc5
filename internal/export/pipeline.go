// Package export holds the default packaging pipeline. The engine itself only
// orchestrates; what goes into the archive is decided here and is fully
// replaceable by supplying different step definitions to the orchestrator.
package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/toolhub/export-engine/internal/model"
	"github.com/toolhub/export-engine/internal/registry"
	"github.com/toolhub/export-engine/internal/runner"
	"github.com/toolhub/export-engine/internal/storage"
)

// Pipeline step names, in execution order.
const (
	StepValidate = "validate"
	StepCollect  = "collect"
	StepRender   = "render"
	StepPackage  = "package"
)

// StepNames returns the ordered names of the default pipeline, used to seed a
// job record at creation time.
func StepNames() []string {
	return []string{StepValidate, StepCollect, StepRender, StepPackage}
}

// manifest describes the archive for the consuming side.
type manifest struct {
	ToolID      string    `json:"toolId"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Type        string    `json:"type"`
	ExportedAt  time.Time `json:"exportedAt"`
	GeneratedBy string    `json:"generatedBy"`
	Files       []string  `json:"files"`
}

// pipelineState is shared by the step closures of one run.
type pipelineState struct {
	tool  *model.Tool
	files map[string][]byte
}

// BuildPipeline returns a fresh default pipeline for one job run. The final
// step writes the archive to st and emits the artifact to the runner.
func BuildPipeline(reg registry.Registry, st storage.Storage) []runner.StepDefinition {
	ps := &pipelineState{files: map[string][]byte{}}

	return []runner.StepDefinition{
		{Name: StepValidate, Run: func(ctx context.Context, jc *runner.JobContext) error {
			exists, err := reg.Exists(ctx, jc.Job.TargetID)
			if err != nil {
				return fmt.Errorf("registry lookup failed: %w", err)
			}
			if !exists {
				// The target was validated at Start; it can still disappear
				// between enqueue and execution.
				return fmt.Errorf("tool %s no longer exists", jc.Job.TargetID)
			}
			jc.Report(100)
			return nil
		}},

		{Name: StepCollect, Run: func(ctx context.Context, jc *runner.JobContext) error {
			tool, err := reg.Get(ctx, jc.Job.TargetID)
			if err != nil {
				return fmt.Errorf("failed to load tool: %w", err)
			}
			ps.tool = tool
			jc.Report(100)
			return nil
		}},

		{Name: StepRender, Run: func(ctx context.Context, jc *runner.JobContext) error {
			tool := ps.tool

			raw := json.RawMessage(tool.Definition)
			if len(raw) == 0 || string(raw) == "null" {
				// Tools without a stored definition scan back as SQL NULL.
				raw = json.RawMessage("{}")
			}
			definition, err := json.MarshalIndent(raw, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to render tool definition: %w", err)
			}
			ps.files["definition.json"] = definition
			jc.Report(50)

			readme := fmt.Sprintf("# %s\n\nExported %s tool.\n\nSee definition.json for the full configuration.\n",
				tool.Name, tool.Type)
			ps.files["README.md"] = []byte(readme)
			jc.Report(100)
			return nil
		}},

		{Name: StepPackage, Run: func(ctx context.Context, jc *runner.JobContext) error {
			tool := ps.tool

			m := manifest{
				ToolID:      tool.ID,
				Name:        tool.Name,
				Slug:        tool.Slug,
				Type:        tool.Type,
				ExportedAt:  time.Now().UTC(),
				GeneratedBy: "export-engine",
			}
			for name := range ps.files {
				m.Files = append(m.Files, name)
			}
			manifestJSON, err := json.MarshalIndent(m, "", "  ")
			if err != nil {
				return err
			}

			var buf bytes.Buffer
			zw := zip.NewWriter(&buf)
			write := func(name string, data []byte) error {
				w, err := zw.Create(name)
				if err != nil {
					return err
				}
				_, err = w.Write(data)
				return err
			}
			if err := write("manifest.json", manifestJSON); err != nil {
				return fmt.Errorf("failed to write archive entry: %w", err)
			}
			for name, data := range ps.files {
				if err := write(name, data); err != nil {
					return fmt.Errorf("failed to write archive entry: %w", err)
				}
			}
			if err := zw.Close(); err != nil {
				return fmt.Errorf("failed to finalize archive: %w", err)
			}
			jc.Report(50)

			key := PackageKey(jc.Job.ID)
			size, err := st.Write(ctx, key, &buf)
			if err != nil {
				return fmt.Errorf("failed to store package: %w", err)
			}
			jc.SetArtifact(key, size)
			jc.Report(100)
			return nil
		}},
	}
}

// PackageKey is the storage key for a job's archive.
func PackageKey(jobID string) string {
	return fmt.Sprintf("exports/%s.zip", jobID)
}
