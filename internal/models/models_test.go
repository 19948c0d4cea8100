package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCICIDS2018Consolidate(t *testing.T) {
	vocab := CICIDS2018{}
	cases := map[string]string{
		"Benign":                    "Benign",
		"DDOS attack-HOIC":          "DDoS",
		"DDoS attacks-LOIC-HTTP":    "DDoS",
		"DoS attacks-Hulk":          "DoS",
		"DoS attacks-SlowHTTPTest":  "DoS",
		"Bot":                       "Botnet",
		"Infilteration":             "Infiltration",
		"SSH-Bruteforce":            "Brute Force",
		"Brute Force -Web":          "Brute Force",
		"SQL Injection":             "Brute Force",
		"something never seen 2024": "Brute Force",
	}
	for raw, want := range cases {
		assert.Equal(t, want, vocab.Consolidate(raw), "raw label %q", raw)
	}
}

// Every DDoS raw label contains "dos", so ordering of the checks is
// load-bearing.
func TestCICIDS2018DDoSBeforeDoS(t *testing.T) {
	vocab := CICIDS2018{}
	assert.Equal(t, "DDoS", vocab.Consolidate("ddos-loic-udp"))
	assert.Equal(t, "DoS", vocab.Consolidate("dos goldeneye"))
}

func TestCICIDS2018ClassOrder(t *testing.T) {
	classes := CICIDS2018{}.Classes()
	require.Equal(t, []string{"Benign", "Botnet", "Brute Force", "DDoS", "DoS", "Infiltration"}, classes)
}

func TestCICDDoS2019Binary(t *testing.T) {
	vocab := CICDDoS2019{}
	assert.Equal(t, "Benign", vocab.Consolidate("BENIGN"))
	assert.Equal(t, "DDoS", vocab.Consolidate("DrDoS_NTP"))
	assert.Equal(t, "DDoS", vocab.Consolidate("Syn"))
	assert.Len(t, vocab.Classes(), 2)
}

func TestVocabularyByName(t *testing.T) {
	v, err := VocabularyByName("cic-ids-2018")
	require.NoError(t, err)
	assert.Equal(t, "cic-ids-2018", v.Name())

	v, err = VocabularyByName("binary")
	require.NoError(t, err)
	assert.Equal(t, "cic-ddos-2019", v.Name())

	_, err = VocabularyByName("kdd-99")
	require.Error(t, err)
}

func TestNewDatasetEncodesLabels(t *testing.T) {
	records := []FlowRecord{
		{Features: []float64{1, 2}, Label: "Benign"},
		{Features: []float64{3, 4}, Label: "DDOS attack-HOIC"},
		{Features: []float64{5, 6}, Label: "Bot"},
	}
	ds, err := NewDataset(records, CICIDS2018{})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 1}, ds.Labels)
	assert.Equal(t, 6, ds.NumClasses())

	dist := ds.ClassDistribution()
	assert.Equal(t, 1, dist["Benign"])
	assert.Equal(t, 1, dist["DDoS"])
	assert.Equal(t, 1, dist["Botnet"])
}

func TestNewDatasetRejectsEmpty(t *testing.T) {
	_, err := NewDataset(nil, CICIDS2018{})
	require.Error(t, err)
}

func TestReportTopClasses(t *testing.T) {
	r := &EvaluationReport{
		PerClass: []ClassMetrics{
			{Class: "A", Support: 5},
			{Class: "B", Support: 50},
			{Class: "C", Support: 10},
		},
	}
	assert.Equal(t, []string{"B", "C", "A"}, r.TopClasses())
}
