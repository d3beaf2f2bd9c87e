package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"cobranza/internal/storage"
)

// RequireSourcesStep fails when any of Codes has no uploaded file.
type RequireSourcesStep struct {
	Codes []string
}

func (RequireSourcesStep) Name() string { return "require_sources" }

func (s RequireSourcesStep) ShouldExecute(*Run) bool { return len(s.Codes) > 0 }

func (s RequireSourcesStep) Execute(_ context.Context, run *Run) error {
	var missing []string
	for _, code := range s.Codes {
		if !run.HasSource(code) {
			missing = append(missing, code)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing data sources: %s", strings.Join(missing, ", "))
	}
	run.Note("required", s.Codes)
	return nil
}

// ValidateFilesStep runs the upload validator over every file of the run,
// requiring the extension of its data source's format. Every file is
// checked; the failures are joined.
type ValidateFilesStep struct {
	Env Env
}

func (ValidateFilesStep) Name() string { return "validate_files" }

func (ValidateFilesStep) ShouldExecute(*Run) bool { return true }

func (s ValidateFilesStep) Execute(_ context.Context, run *Run) error {
	if len(run.Files) == 0 {
		return errors.New("run has no files")
	}
	var errs []error
	for _, f := range run.Files {
		ds, err := storage.LookupDataSource(f.DataSource)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.Env.Validator.Validate(f.Metadata, ds.Format); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", ds.Code, f.OriginalName, err))
		}
	}
	run.Note("files", len(run.Files))
	run.Note("invalid", len(errs))
	return errors.Join(errs...)
}

// ValidateHeadersStep reads the header of every file whose data source names
// required columns and fails the run when any of them is missing. Every
// failing file is reported.
type ValidateHeadersStep struct {
	Env Env
}

func (ValidateHeadersStep) Name() string { return "validate_headers" }

func (ValidateHeadersStep) ShouldExecute(run *Run) bool {
	for _, f := range run.Files {
		if ds, err := storage.LookupDataSource(f.DataSource); err == nil && len(ds.Required) > 0 {
			return true
		}
	}
	return false
}

func (s ValidateHeadersStep) Execute(_ context.Context, run *Run) error {
	var errs []error
	checked := 0
	for _, f := range run.Files {
		ds, err := storage.LookupDataSource(f.DataSource)
		if err != nil || len(ds.Required) == 0 {
			continue
		}
		checked++
		if err := s.Env.Validator.CheckHeader(f.Metadata, ds.Required, s.Env.Delimiter); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", ds.Code, f.OriginalName, err))
		}
	}
	run.Note("headers_checked", checked)
	return errors.Join(errs...)
}

// LoadCSVSourcesStep sanitizes every CSV data source of the run and loads it
// with the bulk copy, or the resilient importer when the store has no copy.
type LoadCSVSourcesStep struct {
	Env Env
}

func (LoadCSVSourcesStep) Name() string { return "load_csv_sources" }

func (LoadCSVSourcesStep) ShouldExecute(run *Run) bool {
	return len(filesOfFormat(run, storage.FormatCSV)) > 0
}

func (s LoadCSVSourcesStep) Execute(ctx context.Context, run *Run) error {
	var total loadResult
	for _, f := range filesOfFormat(run, storage.FormatCSV) {
		ds, err := storage.LookupDataSource(f.DataSource)
		if err != nil {
			return err
		}
		res, err := s.Env.sanitizeAndLoad(ctx, run, ds, s.Env.abs(f.Path), "", true)
		total.add(res)
		if err != nil {
			return err
		}
		run.Note(strings.ToLower(ds.Code)+"_rows", res.Loaded)
		s.Env.logf("stage=load run=%d source=%s table=%s rows=%d failed=%d", run.ID, ds.Code, ds.Table, res.Loaded, res.Failed)
	}
	run.Note("rows_loaded", total.Loaded)
	run.Note("rows_failed", total.Failed)
	return nil
}

// ConvertWorkbooksStep converts every sheet of each Excel data source into
// a CSV under a per-run scratch directory.
type ConvertWorkbooksStep struct {
	Env Env
}

func (ConvertWorkbooksStep) Name() string { return "convert_workbooks" }

func (ConvertWorkbooksStep) ShouldExecute(run *Run) bool {
	return len(filesOfFormat(run, storage.FormatXLSX)) > 0
}

func (s ConvertWorkbooksStep) Execute(ctx context.Context, run *Run) error {
	sheets := 0
	for _, f := range filesOfFormat(run, storage.FormatXLSX) {
		code := strings.ToUpper(f.DataSource)
		dir := filepath.Join(s.Env.StorageRoot, "conversions", strconv.FormatInt(run.ID, 10), strings.ToLower(code)+"-"+uuid.NewString())
		run.AddScratch(dir)

		results, err := s.Env.Converter.ConvertAllSheets(ctx, s.Env.abs(f.Path), dir, s.Env.Delimiter)
		if err != nil {
			return fmt.Errorf("%s: %w", code, err)
		}
		if len(results) == 0 {
			return fmt.Errorf("%s: workbook %s has no sheets", code, f.OriginalName)
		}

		names := make([]string, 0, len(results))
		for n := range results {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			r := results[n]
			run.AddSheet(code, SheetCSV{Name: n, Path: r.Path, Rows: r.Rows})
		}
		sheets += len(names)
		s.Env.logf("stage=convert run=%d source=%s sheets=%d", run.ID, code, len(names))
	}
	run.Note("sheets", sheets)
	return nil
}

// LoadSheetCSVsStep sanitizes each converted sheet, tagging rows with the
// sheet name, and loads it with the resilient importer.
type LoadSheetCSVsStep struct {
	Env Env
}

func (LoadSheetCSVsStep) Name() string { return "load_sheet_csvs" }

func (LoadSheetCSVsStep) ShouldExecute(run *Run) bool { return len(run.Sheets) > 0 }

func (s LoadSheetCSVsStep) Execute(ctx context.Context, run *Run) error {
	var total loadResult
	for _, code := range run.SheetSources() {
		ds, err := storage.LookupDataSource(code)
		if err != nil {
			return err
		}
		for _, sh := range run.Sheets[code] {
			res, err := s.Env.sanitizeAndLoad(ctx, run, ds, sh.Path, sh.Name, false)
			total.add(res)
			if err != nil {
				return fmt.Errorf("sheet %q: %w", sh.Name, err)
			}
			s.Env.logf("stage=load run=%d source=%s sheet=%q rows=%d failed=%d", run.ID, code, sh.Name, res.Loaded, res.Failed)
		}
	}
	run.Note("rows_loaded", total.Loaded)
	run.Note("rows_failed", total.Failed)
	return nil
}

// CleanupStep removes the scratch paths of the run. It runs even when an
// earlier step failed, and a path that cannot be removed is logged without
// failing the run.
type CleanupStep struct {
	Env Env
}

func (CleanupStep) Name() string { return "cleanup" }

func (CleanupStep) ShouldExecute(run *Run) bool { return len(run.Scratch) > 0 }

func (CleanupStep) RunsAfterFailure() bool { return true }

func (s CleanupStep) Execute(_ context.Context, run *Run) error {
	removed := 0
	for _, p := range run.Scratch {
		if err := os.RemoveAll(p); err != nil {
			s.Env.logf("stage=cleanup level=warn run=%d path=%s err=%v", run.ID, p, err)
			continue
		}
		removed++
	}
	run.Scratch = nil
	run.Sheets = nil
	run.Note("removed", removed)
	return nil
}

// filesOfFormat returns the run files whose data source has format, in
// upload order. Unknown sources are left to ValidateFilesStep.
func filesOfFormat(run *Run, format string) []RunFile {
	var out []RunFile
	for _, f := range run.Files {
		ds, err := storage.LookupDataSource(f.DataSource)
		if err != nil || ds.Format != format {
			continue
		}
		out = append(out, f)
	}
	return out
}
