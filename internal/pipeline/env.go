package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"cobranza/internal/importer"
	"cobranza/internal/sanitize"
	"cobranza/internal/sheet"
	"cobranza/internal/storage"
	"cobranza/internal/validate"
)

// Env holds the collaborators steps work with. It is built once per
// process and shared by every pipeline.
type Env struct {
	// StorageRoot is the directory run file paths are relative to.
	StorageRoot string

	Store storage.Store
	// Copy is nil when Store has no native bulk copy; CSV sources then go
	// through Resilient as well.
	Copy      *importer.CopyImporter
	Resilient *importer.ResilientImporter
	Sanitizer *sanitize.Sanitizer
	Converter sheet.Converter
	Validator *validate.Validator

	Logger Logger

	// Delimiter of uploaded CSVs and converted sheets.
	Delimiter rune
}

// NewEnv wires the default collaborators over store and conv.
func NewEnv(root string, store storage.Store, conv sheet.Converter, delimiter rune, logger Logger) Env {
	if delimiter == 0 {
		delimiter = ';'
	}
	env := Env{
		StorageRoot: root,
		Store:       store,
		Resilient:   importer.NewResilientImporter(store, logger),
		Sanitizer:   sanitize.New(delimiter, logger),
		Converter:   conv,
		Validator:   validate.New(root, 0),
		Logger:      logger,
		Delimiter:   delimiter,
	}
	if c, ok := store.(storage.CSVCopier); ok {
		env.Copy = importer.NewCopyImporter(c, logger)
	}
	return env
}

func (e Env) logf(format string, v ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, v...)
	}
}

func (e Env) abs(rel string) string {
	return filepath.Join(e.StorageRoot, filepath.FromSlash(rel))
}

// loadResult sums what one or more loads put into staging.
type loadResult struct {
	Loaded int64
	Failed int
}

func (l *loadResult) add(o loadResult) {
	l.Loaded += o.Loaded
	l.Failed += o.Failed
}

// sanitizeAndLoad sanitizes src for ds and loads the result into the
// staging table. fast selects the bulk copy when the store has one.
func (e Env) sanitizeAndLoad(ctx context.Context, run *Run, ds storage.DataSource, src, sheetName string, fast bool) (loadResult, error) {
	res, err := e.Sanitizer.Sanitize(ctx, src, run.ID, ds.Code, sheetName)
	if err != nil {
		return loadResult{}, err
	}
	if res.Temporary {
		defer func() {
			if err := os.Remove(res.Path); err != nil && !os.IsNotExist(err) {
				e.logf("stage=load level=warn file=%s remove_failed=%v", res.Path, err)
			}
		}()
	}

	if fast && e.Copy != nil {
		out, err := e.Copy.ImportFromFile(ctx, ds.Table, res.Path, res.Columns, sanitize.OutputDelimiter, true)
		if err != nil {
			return loadResult{}, err
		}
		return loadResult{Loaded: out.Rows}, nil
	}

	out, err := e.Resilient.ImportFromFile(ctx, importer.Request{
		Table:          ds.Table,
		CSVPath:        res.Path,
		Columns:        res.Columns,
		RunID:          run.ID,
		DataSourceCode: ds.Code,
		Delimiter:      sanitize.OutputDelimiter,
		HasHeader:      true,
	})
	lr := loadResult{Loaded: int64(out.SuccessRows), Failed: out.ErrorRows}
	if err != nil {
		return lr, fmt.Errorf("%s: %w", ds.Code, err)
	}
	return lr, nil
}
