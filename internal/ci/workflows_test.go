package ci_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func loadWorkflow(t *testing.T, name string) *viper.Viper {
	t.Helper()
	workflowPath := filepath.Join("..", "..", ".github", "workflows", name)
	file, err := os.Open(workflowPath)
	if err != nil {
		t.Fatalf("open workflow %q: %v", workflowPath, err)
	}
	defer file.Close()

	workflow := viper.New()
	workflow.SetConfigType("yaml")
	if err := workflow.ReadConfig(file); err != nil {
		t.Fatalf("parse workflow %q: %v", workflowPath, err)
	}
	return workflow
}

func stepCommands(t *testing.T, workflow *viper.Viper, job string) []string {
	t.Helper()
	rawSteps, ok := workflow.Get("jobs." + job + ".steps").([]any)
	if !ok || len(rawSteps) == 0 {
		t.Fatalf("job %q declares no steps", job)
	}
	commands := make([]string, 0, len(rawSteps))
	for _, rawStep := range rawSteps {
		step, isMap := rawStep.(map[string]any)
		if !isMap {
			t.Fatalf("job %q has malformed step %v", job, rawStep)
		}
		if run, hasRun := step["run"].(string); hasRun {
			commands = append(commands, strings.TrimSpace(run))
		}
		if uses, hasUses := step["uses"].(string); hasUses {
			commands = append(commands, "uses "+uses)
		}
	}
	return commands
}

func TestGoTestsWorkflowRunsVetAndTests(t *testing.T) {
	workflow := loadWorkflow(t, "go-tests.yml")
	commands := stepCommands(t, workflow, "test")

	for _, required := range []string{"uses actions/checkout", "uses actions/setup-go", "go vet ./...", "go test ./..."} {
		found := false
		for _, command := range commands {
			if strings.HasPrefix(command, required) {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("workflow steps %v missing %q", commands, required)
		}
	}
}

func TestGoTestsWorkflowPinsGoVersionToModule(t *testing.T) {
	workflow := loadWorkflow(t, "go-tests.yml")
	rawSteps, _ := workflow.Get("jobs.test.steps").([]any)
	for _, rawStep := range rawSteps {
		step, _ := rawStep.(map[string]any)
		uses, _ := step["uses"].(string)
		if !strings.HasPrefix(uses, "actions/setup-go") {
			continue
		}
		with, _ := step["with"].(map[string]any)
		if with["go-version-file"] != "go.mod" {
			t.Fatalf("expected setup-go to read go.mod, got %v", with)
		}
		return
	}
	t.Fatalf("workflow has no setup-go step")
}

func TestGoTestsWorkflowProvidesPostgres(t *testing.T) {
	workflow := loadWorkflow(t, "go-tests.yml")

	if image := workflow.GetString("jobs.test.services.postgres.image"); !strings.HasPrefix(image, "postgres:") {
		t.Fatalf("expected a postgres service image, got %q", image)
	}
	postgresURL := workflow.GetString("jobs.test.env.APP_TEST_POSTGRES_URL")
	if !strings.HasPrefix(postgresURL, "postgres://") {
		t.Fatalf("expected APP_TEST_POSTGRES_URL to point at postgres, got %q", postgresURL)
	}
	ports := workflow.GetStringSlice("jobs.test.services.postgres.ports")
	exposed := false
	for _, port := range ports {
		if strings.HasSuffix(port, ":5432") && strings.Contains(postgresURL, "localhost:5432") {
			exposed = true
		}
	}
	if !exposed {
		t.Fatalf("postgres service ports %v do not match APP_TEST_POSTGRES_URL %q", ports, postgresURL)
	}
}
