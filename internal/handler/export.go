package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/hack-pad/hackpadfs"

	"active-tagger/internal/export"
)

var contentTypes = map[export.Format]string{
	export.FormatCSV:     "text/csv",
	export.FormatParquet: "application/vnd.apache.parquet",
	export.FormatArchive: "application/gzip",
}

// ExportData streams the annotation table of a scheme
func (h *Handler) ExportData(c *gin.Context) {
	format, err := export.ParseTableFormat(c.DefaultQuery("format", "csv"))
	if err != nil {
		h.fail(c, err)
		return
	}
	p := current(c)
	file, err := p.ExportData(c.Query("scheme"), format)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.attach(c, p.Filesystem(), file, format)
}

// ExportFeatures streams the concatenation of comma separated features
func (h *Handler) ExportFeatures(c *gin.Context) {
	format, err := export.ParseTableFormat(c.DefaultQuery("format", "csv"))
	if err != nil {
		h.fail(c, err)
		return
	}
	var names []string
	for _, n := range strings.Split(c.Query("features"), ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	p := current(c)
	file, err := p.ExportFeatures(names, format)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.attach(c, p.Filesystem(), file, format)
}

// ExportBert streams a model archive or its predictions
func (h *Handler) ExportBert(c *gin.Context) {
	format := export.Format(strings.ToLower(c.DefaultQuery("format", string(export.FormatArchive))))
	if format != export.FormatArchive {
		var err error
		if format, err = export.ParseTableFormat(string(format)); err != nil {
			h.fail(c, err)
			return
		}
	}
	p := current(c)
	file, err := p.ExportBert(c.Param("name"), format)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.attach(c, p.Filesystem(), file, format)
}

func (h *Handler) attach(c *gin.Context, fsys hackpadfs.FS, file export.File, format export.Format) {
	data, err := hackpadfs.ReadFile(fsys, file.Path)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+file.Name)
	c.Data(http.StatusOK, contentTypes[format], data)
}
