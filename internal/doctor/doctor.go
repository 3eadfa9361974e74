// Package doctor runs health checks against a clove deployment: database
// connectivity, migration state, the stored authorization models, and
// the consistency of the tuple data with the active model.
//
// Example usage:
//
//	d := doctor.New(db)
//	report, err := d.Run(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	report.Print(os.Stdout, true) // verbose=true
package doctor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/cloveworks/clove/internal/storage/postgres"
	"github.com/cloveworks/clove/internal/typesystem"
	"github.com/cloveworks/clove/pkg/parser"
)

// Status represents the result of a health check.
type Status int

const (
	// StatusPass indicates the check passed.
	StatusPass Status = iota
	// StatusWarn indicates a non-critical issue.
	StatusWarn
	// StatusFail indicates a critical issue that will cause failures.
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Symbol returns a status indicator symbol for terminal output.
func (s Status) Symbol() string {
	switch s {
	case StatusPass:
		return "✓"
	case StatusWarn:
		return "⚠"
	case StatusFail:
		return "✗"
	default:
		return "?"
	}
}

// CheckResult represents the outcome of a single health check.
type CheckResult struct {
	// Category groups related checks (e.g., "Migration State").
	Category string

	// Name is a short identifier for the check.
	Name string

	// Status is the check outcome.
	Status Status

	// Message is a human-readable description of the result.
	Message string

	// Details provides additional information for verbose output.
	Details string

	// FixHint suggests how to resolve issues.
	FixHint string
}

// Report contains all health check results.
type Report struct {
	Checks []CheckResult

	// Summary counts.
	Passed   int
	Warnings int
	Errors   int
}

// AddCheck adds a check result and updates summary counts.
func (r *Report) AddCheck(check CheckResult) {
	r.Checks = append(r.Checks, check)
	switch check.Status {
	case StatusPass:
		r.Passed++
	case StatusWarn:
		r.Warnings++
	case StatusFail:
		r.Errors++
	}
}

// Print writes the report to the given writer, grouped by category.
func (r *Report) Print(w io.Writer, verbose bool) {
	categories := make(map[string][]CheckResult)
	var categoryOrder []string
	for _, check := range r.Checks {
		if _, exists := categories[check.Category]; !exists {
			categoryOrder = append(categoryOrder, check.Category)
		}
		categories[check.Category] = append(categories[check.Category], check)
	}

	for _, cat := range categoryOrder {
		_, _ = fmt.Fprintf(w, "\n%s\n", cat)
		for _, check := range categories[cat] {
			_, _ = fmt.Fprintf(w, "  %s %s\n", check.Status.Symbol(), check.Message)
			if verbose && check.Details != "" {
				for _, line := range strings.Split(check.Details, "\n") {
					_, _ = fmt.Fprintf(w, "      %s\n", line)
				}
			}
			if check.Status != StatusPass && check.FixHint != "" {
				_, _ = fmt.Fprintf(w, "      Fix: %s\n", check.FixHint)
			}
		}
	}

	_, _ = fmt.Fprintf(w, "\nSummary: %d passed, %d warnings, %d errors\n",
		r.Passed, r.Warnings, r.Errors)
}

// HasErrors returns true if any check failed.
func (r *Report) HasErrors() bool {
	return r.Errors > 0
}

// Doctor performs health checks against a clove postgres store.
type Doctor struct {
	db *sql.DB

	// Cached between checks, populated during Run.
	status   *postgres.Status
	activeTS *typesystem.Typesystem
}

// New creates a Doctor over an open pool.
func New(db *sql.DB) *Doctor {
	return &Doctor{db: db}
}

// Run executes all health checks and returns a report. Checks build on
// each other: a missing schema short-circuits the data checks.
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	if !d.checkConnectivity(ctx, report) {
		return report, nil
	}
	migrated, err := d.checkMigrationState(ctx, report)
	if err != nil {
		return nil, fmt.Errorf("checking migration state: %w", err)
	}
	if !migrated {
		return report, nil
	}
	if err := d.checkModels(ctx, report); err != nil {
		return nil, fmt.Errorf("checking models: %w", err)
	}
	if err := d.checkDataHealth(ctx, report); err != nil {
		return nil, fmt.Errorf("checking data health: %w", err)
	}
	return report, nil
}

func (d *Doctor) checkConnectivity(ctx context.Context, report *Report) bool {
	if err := d.db.PingContext(ctx); err != nil {
		report.AddCheck(CheckResult{
			Category: "Database",
			Name:     "connectivity",
			Status:   StatusFail,
			Message:  "Database is unreachable",
			Details:  err.Error(),
			FixHint:  "Check the connection settings (clove config show)",
		})
		return false
	}
	report.AddCheck(CheckResult{
		Category: "Database",
		Name:     "connectivity",
		Status:   StatusPass,
		Message:  "Database is reachable",
	})
	return true
}

// checkMigrationState verifies every clove table exists. Returns whether
// the schema is complete enough for the data checks to run.
func (d *Doctor) checkMigrationState(ctx context.Context, report *Report) (bool, error) {
	status, err := postgres.NewMigrator(d.db).GetStatus(ctx)
	if err != nil {
		return false, err
	}
	d.status = status

	var missing []string
	for table, exists := range status.Tables {
		if !exists {
			missing = append(missing, table)
		}
	}
	sort.Strings(missing)

	if len(missing) > 0 {
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "tables",
			Status:   StatusFail,
			Message:  fmt.Sprintf("%d of %d tables missing", len(missing), len(status.Tables)),
			Details:  "missing: " + strings.Join(missing, ", "),
			FixHint:  "Run 'clove migrate' to create them",
		})
		return false, nil
	}
	report.AddCheck(CheckResult{
		Category: "Migration State",
		Name:     "tables",
		Status:   StatusPass,
		Message:  fmt.Sprintf("All %d tables exist", len(status.Tables)),
	})
	return true, nil
}

// checkModels verifies that models are stored, that exactly one is
// active, and that the active model's DSL still validates cleanly.
func (d *Doctor) checkModels(ctx context.Context, report *Report) error {
	if d.status.ModelCount == 0 {
		report.AddCheck(CheckResult{
			Category: "Authorization Model",
			Name:     "stored",
			Status:   StatusWarn,
			Message:  "No authorization models stored",
			FixHint:  "Write a model through the WriteModel RPC",
		})
		return nil
	}
	report.AddCheck(CheckResult{
		Category: "Authorization Model",
		Name:     "stored",
		Status:   StatusPass,
		Message:  fmt.Sprintf("%d model version(s) stored", d.status.ModelCount),
	})

	if d.status.ActiveModelVersion == "" {
		report.AddCheck(CheckResult{
			Category: "Authorization Model",
			Name:     "active",
			Status:   StatusFail,
			Message:  "No model is active; every check will fail",
			FixHint:  "Activate a version through the ActivateModel RPC",
		})
		return nil
	}
	report.AddCheck(CheckResult{
		Category: "Authorization Model",
		Name:     "active",
		Status:   StatusPass,
		Message:  fmt.Sprintf("Active model version is %s", d.status.ActiveModelVersion),
	})

	var dsl string
	err := d.db.QueryRowContext(ctx,
		"SELECT dsl_source FROM clove_model WHERE is_active").Scan(&dsl)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading active model: %w", err)
	}

	diags := typesystem.Validate(dsl)
	switch {
	case typesystem.HasErrors(diags):
		report.AddCheck(CheckResult{
			Category: "Authorization Model",
			Name:     "valid",
			Status:   StatusFail,
			Message:  "Active model no longer validates",
			Details:  diagDetails(diags),
			FixHint:  "Write and activate a corrected model",
		})
	case len(diags) > 0:
		report.AddCheck(CheckResult{
			Category: "Authorization Model",
			Name:     "valid",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("Active model validates with %d warning(s)", len(diags)),
			Details:  diagDetails(diags),
		})
		d.compileActive(dsl)
	default:
		report.AddCheck(CheckResult{
			Category: "Authorization Model",
			Name:     "valid",
			Status:   StatusPass,
			Message:  "Active model validates cleanly",
		})
		d.compileActive(dsl)
	}
	return nil
}

func (d *Doctor) compileActive(dsl string) {
	// Validation already passed, so parsing cannot fail here.
	if protoModel, err := parser.Parse(dsl); err == nil {
		d.activeTS = typesystem.New(protoModel)
	}
}

// checkDataHealth reports tuple counts and flags stored tuples that the
// active model can no longer evaluate: unknown types, unknown relations,
// and subjects no longer permitted by the type restrictions.
func (d *Doctor) checkDataHealth(ctx context.Context, report *Report) error {
	report.AddCheck(CheckResult{
		Category: "Data Health",
		Name:     "tuples",
		Status:   StatusPass,
		Message:  fmt.Sprintf("%d tuple(s) stored, current token %d", d.status.TupleCount, d.status.CurrentToken),
	})

	if d.activeTS == nil || d.status.TupleCount == 0 {
		return nil
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT object_type, relation, subject_type, subject_relation, COUNT(*)
		FROM clove_tuple
		GROUP BY object_type, relation, subject_type, subject_relation
		ORDER BY object_type, relation`)
	if err != nil {
		return fmt.Errorf("scanning tuple shapes: %w", err)
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var objectType, relation, subjectType, subjectRelation string
		var count int64
		if err := rows.Scan(&objectType, &relation, &subjectType, &subjectRelation, &count); err != nil {
			return fmt.Errorf("scanning tuple shape: %w", err)
		}
		if problem := d.classify(objectType, relation, subjectType, subjectRelation); problem != "" {
			stale = append(stale, fmt.Sprintf("%d tuple(s) %s#%s@%s: %s",
				count, objectType, relation, subjectDesc(subjectType, subjectRelation), problem))
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scanning tuple shapes: %w", err)
	}

	if len(stale) > 0 {
		report.AddCheck(CheckResult{
			Category: "Data Health",
			Name:     "stale_tuples",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("%d tuple shape(s) are invisible to the active model", len(stale)),
			Details:  strings.Join(stale, "\n"),
			FixHint:  "Delete the stale tuples or restore the relations in the model",
		})
		return nil
	}
	report.AddCheck(CheckResult{
		Category: "Data Health",
		Name:     "stale_tuples",
		Status:   StatusPass,
		Message:  "Every stored tuple matches the active model",
	})
	return nil
}

// classify reports why a tuple shape cannot be evaluated under the
// active model, or "" when it is fine.
func (d *Doctor) classify(objectType, relation, subjectType, subjectRelation string) string {
	if !d.activeTS.HasType(objectType) {
		return fmt.Sprintf("object type %q is not in the model", objectType)
	}
	if _, err := d.activeTS.GetRelation(objectType, relation); err != nil {
		return fmt.Sprintf("relation %q is not declared on %q", relation, objectType)
	}
	if !d.activeTS.HasType(subjectType) {
		return fmt.Sprintf("subject type %q is not in the model", subjectType)
	}
	if subjectRelation != "" {
		if _, err := d.activeTS.GetRelation(subjectType, subjectRelation); err != nil {
			return fmt.Sprintf("userset relation %q is not declared on %q", subjectRelation, subjectType)
		}
	}
	return ""
}

func subjectDesc(subjectType, subjectRelation string) string {
	if subjectRelation != "" {
		return subjectType + "#" + subjectRelation
	}
	return subjectType
}

func diagDetails(diags []typesystem.Diagnostic) string {
	lines := make([]string, len(diags))
	for i, d := range diags {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}
