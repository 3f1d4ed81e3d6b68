package http

import (
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"exodetect/inference"
	"exodetect/ml"
)

const (
	pageTitle   = "Exoplanet Detection AI"
	pageIcon    = "🪐"
	idleMessage = "Adjust the features in the sidebar and click 'Analyze' to see the result."
)

// pageView 页面渲染数据
type pageView struct {
	PageTitle    string
	PageIcon     string
	Halted       bool
	ErrorMessage string
	Fields       []fieldView
	Result       *resultView
	IdleMessage  string
}

type fieldView struct {
	Name    string
	Label   string
	Flag    bool
	Input   string
	Display string
}

// resultView 预测结果展示
type resultView struct {
	Positive   bool
	Label      string
	Confidence string
	Chart      chartView
}

// chartView 水平条形图，Bars按重要性升序排列，最重要的画在最上面
type chartView struct {
	Title   string
	XLabel  string
	YLabel  string
	Width   int
	Height  int
	PlotX   int
	LabelX  int
	TitleX  int
	XLabelY int
	YLabelY int
	Bars    []barView
}

type barView struct {
	Feature    string
	Importance float64
	Value      string
	Y          int
	TextY      int
	Width      string
	Height     int
}

const (
	chartWidth     = 640
	chartPlotX     = 150
	chartPlotWidth = 460
	chartTop       = 36
	chartRow       = 24
	chartBarHeight = 18
)

func haltedView(message string) pageView {
	return pageView{
		PageTitle:    pageTitle,
		PageIcon:     pageIcon,
		Halted:       true,
		ErrorMessage: message,
	}
}

func formView(record ml.FeatureRecord, printer *message.Printer) pageView {
	schema := ml.Schema()
	fields := make([]fieldView, len(schema))
	for i, f := range schema {
		fields[i] = fieldView{
			Name:    f.Name,
			Label:   f.Label,
			Flag:    f.Flag,
			Input:   strconv.FormatFloat(record[i], 'f', -1, 64),
			Display: printer.Sprint(number.Decimal(record[i], number.MaxFractionDigits(4))),
		}
	}
	return pageView{
		PageTitle:   pageTitle,
		PageIcon:    pageIcon,
		Fields:      fields,
		IdleMessage: idleMessage,
	}
}

func newPrinter(tag string) *message.Printer {
	lang, err := language.Parse(tag)
	if err != nil {
		lang = language.English
	}
	return message.NewPrinter(lang)
}

func formatConfidence(confidence float64) string {
	return fmt.Sprintf("%.2f%%", confidence*100)
}

func presentResult(p inference.Prediction) *resultView {
	return &resultView{
		Positive:   p.Positive(),
		Label:      p.Label,
		Confidence: formatConfidence(p.Confidence),
		Chart:      buildChart(ml.FeatureNames(), p.Importances),
	}
}

type featureImportance struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

func pairImportances(names []string, importances []float64) []featureImportance {
	out := make([]featureImportance, 0, len(names))
	for i, name := range names {
		if i >= len(importances) {
			break
		}
		out = append(out, featureImportance{Feature: name, Importance: importances[i]})
	}
	return out
}

func sortedAscending(names []string, importances []float64) []featureImportance {
	pairs := pairImportances(names, importances)
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Importance < pairs[j].Importance
	})
	return pairs
}

func buildChart(names []string, importances []float64) chartView {
	pairs := sortedAscending(names, importances)
	top := 0.0
	for _, p := range pairs {
		top = max(top, p.Importance)
	}

	n := len(pairs)
	chart := chartView{
		Title:   "Model Feature Importance",
		XLabel:  "Importance",
		YLabel:  "Feature",
		Width:   chartWidth,
		Height:  chartTop + n*chartRow + 40,
		PlotX:   chartPlotX,
		LabelX:  chartPlotX - 6,
		TitleX:  chartPlotX + chartPlotWidth/2,
		XLabelY: chartTop + n*chartRow + 24,
		YLabelY: chartTop + n*chartRow/2,
		Bars:    make([]barView, n),
	}
	for i, p := range pairs {
		// ascending order is drawn bottom-up
		y := chartTop + (n-1-i)*chartRow
		width := 0.0
		if top > 0 {
			width = max(p.Importance, 0) / top * chartPlotWidth
		}
		chart.Bars[i] = barView{
			Feature:    p.Feature,
			Importance: p.Importance,
			Value:      strconv.FormatFloat(p.Importance, 'f', 4, 64),
			Y:          y,
			TextY:      y + chartBarHeight - 4,
			Width:      strconv.FormatFloat(width, 'f', 2, 64),
			Height:     chartBarHeight,
		}
	}
	return chart
}
