package nvd

import (
	"strconv"
	"strings"

	"github.com/mkoziy/vulnsync/internal/mapping"
)

// maxReferences bounds how many reference URLs are kept per CVE.
const maxReferences = 10

// Row flattens a CVE into the export column layout (mapping.ExportHeader).
func Row(c CVE) []string {
	score, severity, vector := bestMetric(c.Metrics)
	vendor, product := vendorProduct(c.Configurations)

	return []string{
		c.ID,
		c.Published,
		c.LastModified,
		description(c.Descriptions),
		score,
		severity,
		vector,
		vendor,
		product,
		weakness(c.Weaknesses),
		references(c.References),
	}
}

// Header is the header row matching Row.
func Header() []string {
	return append([]string(nil), mapping.ExportHeader...)
}

// bestMetric picks the highest CVSS version present: 3.1, then 3.0, then 2.
func bestMetric(m Metrics) (score, severity, vector string) {
	for _, set := range [][]Metric{m.V31, m.V30, m.V2} {
		if len(set) == 0 {
			continue
		}
		metric := primary(set)
		if metric.CVSSData.BaseScore != nil {
			score = strconv.FormatFloat(*metric.CVSSData.BaseScore, 'f', -1, 64)
		}
		severity = metric.CVSSData.BaseSeverity
		if severity == "" {
			severity = metric.BaseSeverity
		}
		return score, severity, metric.CVSSData.VectorString
	}
	return "", "", ""
}

// primary prefers the Primary assessment over secondary ones.
func primary(set []Metric) Metric {
	for _, m := range set {
		if strings.EqualFold(m.Type, "Primary") {
			return m
		}
	}
	return set[0]
}

func description(ds []LangString) string {
	for _, d := range ds {
		if d.Lang == "en" {
			return d.Value
		}
	}
	if len(ds) > 0 {
		return ds[0].Value
	}
	return ""
}

// vendorProduct reads fields 3 and 4 of the first CPE 2.3 criteria string.
func vendorProduct(cfgs []Configuration) (string, string) {
	for _, cfg := range cfgs {
		for _, node := range cfg.Nodes {
			for _, match := range node.CPEMatch {
				parts := strings.Split(match.Criteria, ":")
				if len(parts) >= 5 {
					return parts[3], parts[4]
				}
			}
		}
	}
	return "", ""
}

func weakness(ws []Weakness) string {
	for _, w := range ws {
		for _, d := range w.Description {
			if d.Value != "" {
				return d.Value
			}
		}
	}
	return ""
}

func references(refs []Reference) string {
	urls := make([]string, 0, min(len(refs), maxReferences))
	for _, r := range refs {
		if r.URL == "" {
			continue
		}
		urls = append(urls, r.URL)
		if len(urls) == maxReferences {
			break
		}
	}
	return strings.Join(urls, " ")
}
