package project

import (
	"path"
	"strconv"

	"active-tagger/internal/export"
	"active-tagger/internal/models"
)

func (p *Project) exportDir() string {
	return path.Join(p.dir, "exports")
}

// ExportData writes every element of scheme with its effective label
func (p *Project) ExportData(scheme string, format export.Format) (export.File, error) {
	rows, err := p.schemes.Table(scheme, 0, 0, models.SampleAll)
	if err != nil {
		return export.File{}, err
	}
	return export.Table(p.fs, p.exportDir(), "data_"+scheme, format, models.TableHeader, rows)
}

// FeatureRow is one element of an exported feature table
type FeatureRow struct {
	ElementID string    `parquet:"element_id"`
	Values    []float64 `parquet:"values,list"`
}

func (r FeatureRow) CSVRow() []string {
	out := make([]string, 0, len(r.Values)+1)
	out = append(out, r.ElementID)
	for _, v := range r.Values {
		out = append(out, strconv.FormatFloat(v, 'g', -1, 64))
	}
	return out
}

// ExportFeatures writes the concatenation of the available features names
func (p *Project) ExportFeatures(names []string, format export.Format) (export.File, error) {
	t, err := p.features.Require(names)
	if err != nil {
		return export.File{}, err
	}
	rows := make([]FeatureRow, len(t.IDs))
	for i, id := range t.IDs {
		rows[i] = FeatureRow{ElementID: id, Values: t.Values[i]}
	}
	header := append([]string{"element_id"}, t.Columns...)
	return export.Table(p.fs, p.exportDir(), "features", format, header, rows)
}

// ExportBert writes the archive or the predictions of a transformer model
func (p *Project) ExportBert(name string, format export.Format) (export.File, error) {
	return p.bert.Export(name, format, p.exportDir())
}
