package assembly

import (
	"encoding/json"
	"fmt"
	"html"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"reportkit/api/internal/slices"
	"reportkit/api/internal/store"
)

// Chart types.
const (
	ChartBar   = "bar"
	ChartLine  = "line"
	ChartPie   = "pie"
	ChartTable = "table"
)

const (
	chartWidth   = 640.0
	chartHeight  = 320.0
	chartPadding = 40.0
)

var palette = []string{"#3366cc", "#dc3912", "#ff9900", "#109618", "#990099", "#0099c6"}

// tableFragment renders a materialized table as an HTML table on one line so
// the markdown pass treats it as a raw block.
func tableFragment(table slices.Table) string {
	var b strings.Builder
	b.WriteString(`<table class="slice-table"><thead><tr>`)
	for _, column := range table.Columns {
		b.WriteString("<th>")
		b.WriteString(html.EscapeString(column))
		b.WriteString("</th>")
	}
	b.WriteString("</tr></thead><tbody>")
	for _, row := range table.Rows {
		b.WriteString("<tr>")
		for _, column := range table.Columns {
			b.WriteString("<td>")
			b.WriteString(html.EscapeString(cellText(row[column])))
			b.WriteString("</td>")
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</tbody></table>")
	return b.String()
}

// chartFragment renders a chart spec against its slice. Bar and line charts
// become inline SVG; pie and table charts become a two-column summary table.
func chartFragment(spec store.ChartSpec, table slices.Table) (string, error) {
	if spec.XField == "" || !hasColumn(table, spec.XField) {
		return "", fmt.Errorf("chart %q: x field %q not in slice %q", spec.Title, spec.XField, spec.SourceSliceID)
	}
	yFields := make([]string, 0, len(spec.YFields))
	for _, field := range spec.YFields {
		if !hasColumn(table, field) {
			return "", fmt.Errorf("chart %q: y field %q not in slice %q", spec.Title, field, spec.SourceSliceID)
		}
		yFields = append(yFields, field)
	}
	if len(yFields) == 0 {
		return "", fmt.Errorf("chart %q: no y fields", spec.Title)
	}

	var body string
	switch strings.ToLower(spec.ChartType) {
	case ChartBar:
		body = barSVG(table, spec.XField, yFields)
	case ChartLine:
		body = lineSVG(table, spec.XField, yFields)
	case ChartPie, ChartTable, "":
		columns := append([]string{spec.XField}, yFields...)
		body = tableFragment(project(table, columns))
	default:
		return "", fmt.Errorf("chart %q: unsupported chart type %q", spec.Title, spec.ChartType)
	}
	return fmt.Sprintf(`<figure class="chart chart-%s"><figcaption>%s</figcaption>%s</figure>`,
		html.EscapeString(strings.ToLower(spec.ChartType)), html.EscapeString(spec.Title), body), nil
}

func barSVG(table slices.Table, xField string, yFields []string) string {
	labels, series, maxValue := chartSeries(table, xField, yFields)
	var b strings.Builder
	openSVG(&b)
	if len(labels) > 0 {
		plotWidth := chartWidth - 2*chartPadding
		plotHeight := chartHeight - 2*chartPadding
		group := plotWidth / float64(len(labels))
		bar := group * 0.8 / float64(len(yFields))
		for i, label := range labels {
			x0 := chartPadding + float64(i)*group + group*0.1
			for s := range yFields {
				value := series[s][i]
				height := scale(value, maxValue, plotHeight)
				fmt.Fprintf(&b, `<rect x="%s" y="%s" width="%s" height="%s" fill="%s"><title>%s</title></rect>`,
					coord(x0+float64(s)*bar), coord(chartHeight-chartPadding-height), coord(bar), coord(height),
					palette[s%len(palette)], html.EscapeString(label+" "+yFields[s]+": "+formatNumber(value)))
			}
			fmt.Fprintf(&b, `<text x="%s" y="%s" font-size="10" text-anchor="middle">%s</text>`,
				coord(x0+group*0.4), coord(chartHeight-chartPadding+14), html.EscapeString(label))
		}
	}
	axes(&b)
	legend(&b, yFields)
	b.WriteString("</svg>")
	return b.String()
}

func lineSVG(table slices.Table, xField string, yFields []string) string {
	labels, series, maxValue := chartSeries(table, xField, yFields)
	var b strings.Builder
	openSVG(&b)
	if len(labels) > 0 {
		plotWidth := chartWidth - 2*chartPadding
		plotHeight := chartHeight - 2*chartPadding
		step := 0.0
		if len(labels) > 1 {
			step = plotWidth / float64(len(labels)-1)
		}
		for s := range yFields {
			points := make([]string, 0, len(labels))
			for i := range labels {
				x := chartPadding + float64(i)*step
				y := chartHeight - chartPadding - scale(series[s][i], maxValue, plotHeight)
				points = append(points, coord(x)+","+coord(y))
			}
			fmt.Fprintf(&b, `<polyline fill="none" stroke="%s" stroke-width="2" points="%s"/>`,
				palette[s%len(palette)], strings.Join(points, " "))
		}
		for i, label := range labels {
			fmt.Fprintf(&b, `<text x="%s" y="%s" font-size="10" text-anchor="middle">%s</text>`,
				coord(chartPadding+float64(i)*step), coord(chartHeight-chartPadding+14), html.EscapeString(label))
		}
	}
	axes(&b)
	legend(&b, yFields)
	b.WriteString("</svg>")
	return b.String()
}

func openSVG(b *strings.Builder) {
	fmt.Fprintf(b, `<svg xmlns="http://www.w3.org/2000/svg" width="%s" height="%s" viewBox="0 0 %s %s" role="img">`,
		coord(chartWidth), coord(chartHeight), coord(chartWidth), coord(chartHeight))
}

func axes(b *strings.Builder) {
	fmt.Fprintf(b, `<line x1="%s" y1="%s" x2="%s" y2="%s" stroke="#52606d"/>`,
		coord(chartPadding), coord(chartHeight-chartPadding), coord(chartWidth-chartPadding), coord(chartHeight-chartPadding))
	fmt.Fprintf(b, `<line x1="%s" y1="%s" x2="%s" y2="%s" stroke="#52606d"/>`,
		coord(chartPadding), coord(chartPadding), coord(chartPadding), coord(chartHeight-chartPadding))
}

func legend(b *strings.Builder, fields []string) {
	for i, field := range fields {
		fmt.Fprintf(b, `<text x="%s" y="%s" font-size="11" fill="%s">%s</text>`,
			coord(chartWidth-chartPadding-120), coord(chartPadding+float64(i)*14), palette[i%len(palette)], html.EscapeString(field))
	}
}

// chartSeries extracts x labels and one float series per y field. Non-numeric
// cells count as zero.
func chartSeries(table slices.Table, xField string, yFields []string) ([]string, [][]float64, float64) {
	labels := make([]string, 0, len(table.Rows))
	series := make([][]float64, len(yFields))
	maxValue := 0.0
	for _, row := range table.Rows {
		labels = append(labels, cellText(row[xField]))
		for s, field := range yFields {
			value := 0.0
			if d, ok := numeric(row[field]); ok {
				value = d.InexactFloat64()
			}
			series[s] = append(series[s], value)
			if math.Abs(value) > maxValue {
				maxValue = math.Abs(value)
			}
		}
	}
	return labels, series, maxValue
}

func scale(value, maxValue, span float64) float64 {
	if maxValue == 0 || value <= 0 {
		return 0
	}
	return value / maxValue * span
}

func coord(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func project(table slices.Table, columns []string) slices.Table {
	rows := make([]map[string]any, 0, len(table.Rows))
	for _, row := range table.Rows {
		projected := make(map[string]any, len(columns))
		for _, column := range columns {
			projected[column] = row[column]
		}
		rows = append(rows, projected)
	}
	return slices.Table{Columns: columns, Rows: rows}
}

func hasColumn(table slices.Table, column string) bool {
	for _, c := range table.Columns {
		if c == column {
			return true
		}
	}
	return false
}

func cellText(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case json.Number:
		return typed.String()
	case decimal.Decimal:
		return typed.String()
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	case map[string]any, []any:
		data, err := json.Marshal(typed)
		if err != nil {
			return ""
		}
		return string(data)
	}
	return fmt.Sprint(v)
}

// numeric converts JSON and Go number types to a decimal. Strings are not
// treated as numbers.
func numeric(v any) (decimal.Decimal, bool) {
	switch typed := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(typed.String())
		return d, err == nil
	case decimal.Decimal:
		return typed, true
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(typed), true
	case float32:
		return decimal.NewFromFloat32(typed), true
	case int:
		return decimal.NewFromInt(int64(typed)), true
	case int32:
		return decimal.NewFromInt32(typed), true
	case int64:
		return decimal.NewFromInt(typed), true
	}
	return decimal.Decimal{}, false
}
