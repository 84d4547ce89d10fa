// Package report exports migration errors to spreadsheets and reads
// operator triage back from them.
package report

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/crm-import/internal/model"
)

// Sheet names.
const (
	SummarySheet = "Summary"
	ErrorsSheet  = "Errors"
)

var errorColumns = []string{"ID", "Phase", "External ID", "Kind", "Message", "Retries", "Resolved", "Created At"}

// Workbook builds the error report for run.
func Workbook(run model.MigrationRun, errs []model.MigrationError) (*xlsx.File, error) {
	f := xlsx.NewFile()

	summary, err := f.AddSheet(SummarySheet)
	if err != nil {
		return nil, eris.Wrap(err, "report: add summary sheet")
	}
	phases := make([]string, len(run.EntityTypes))
	for i, p := range run.EntityTypes {
		phases[i] = string(p)
	}
	pairs := [][2]string{
		{"Run", run.ID},
		{"Integration", run.IntegrationID},
		{"Type", string(run.RunType)},
		{"Status", string(run.Status)},
		{"Phases", strings.Join(phases, ", ")},
		{"Processed", strconv.Itoa(run.Counters.Processed)},
		{"Created", strconv.Itoa(run.Counters.Created)},
		{"Updated", strconv.Itoa(run.Counters.Updated)},
		{"Skipped", strconv.Itoa(run.Counters.Skipped)},
		{"Errored", strconv.Itoa(run.Counters.Errored)},
	}
	if cp := run.Checkpoint; cp != nil {
		pairs = append(pairs, [2]string{"Checkpoint", string(cp.Phase) + " page " + strconv.Itoa(cp.Page)})
	}
	for _, kv := range pairs {
		addRow(summary, kv[0], kv[1])
	}

	sheet, err := f.AddSheet(ErrorsSheet)
	if err != nil {
		return nil, eris.Wrap(err, "report: add errors sheet")
	}
	addRow(sheet, errorColumns...)
	for _, e := range errs {
		resolved := ""
		if e.Resolved {
			resolved = "yes"
		}
		addRow(sheet,
			e.ID,
			string(e.Phase),
			e.ExternalID,
			string(e.Kind),
			e.Message,
			strconv.Itoa(e.RetryCount),
			resolved,
			e.CreatedAt.UTC().Format(time.RFC3339),
		)
	}
	return f, nil
}

// WriteErrors writes the error report to w.
func WriteErrors(w io.Writer, run model.MigrationRun, errs []model.MigrationError) error {
	f, err := Workbook(run, errs)
	if err != nil {
		return err
	}
	return eris.Wrap(f.Write(w), "report: write workbook")
}

// SaveErrors writes the error report to path.
func SaveErrors(path string, run model.MigrationRun, errs []model.MigrationError) error {
	f, err := Workbook(run, errs)
	if err != nil {
		return err
	}
	return eris.Wrapf(f.Save(path), "report: save %s", path)
}

// ReadResolved returns the ids of error rows an operator marked resolved
// in a report produced by SaveErrors. Any of yes, y, true, x, or 1 in the
// Resolved column counts.
func ReadResolved(path string) ([]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "report: open %s", path)
	}
	sheet, ok := f.Sheet[ErrorsSheet]
	if !ok {
		return nil, eris.Errorf("report: sheet %q not found", ErrorsSheet)
	}
	if len(sheet.Rows) == 0 {
		return nil, nil
	}

	header := rowToStrings(sheet.Rows[0])
	idCol, resolvedCol := column(header, "ID"), column(header, "Resolved")
	if idCol < 0 || resolvedCol < 0 {
		return nil, eris.New("report: errors sheet is missing the ID or Resolved column")
	}

	var ids []string
	for _, row := range sheet.Rows[1:] {
		cells := rowToStrings(row)
		if idCol >= len(cells) || resolvedCol >= len(cells) {
			continue
		}
		id := strings.TrimSpace(cells[idCol])
		if id != "" && truthy(cells[resolvedCol]) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func addRow(sheet *xlsx.Sheet, values ...string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

func column(header []string, name string) int {
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true", "x", "1":
		return true
	}
	return false
}
