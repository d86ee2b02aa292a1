package cli

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/mchmarny/txguard/pkg/detector"
	"github.com/mchmarny/txguard/pkg/scaler"
	"github.com/mchmarny/txguard/pkg/schema"
	"github.com/mchmarny/txguard/pkg/scoring"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	initLogging(false)
	os.Exit(m.Run())
}

// corpusCSV renders rows of standard normal features; rows listed in outliers
// get every feature set to the given value. Columns named in drop are left out.
func corpusCSV(rows int, seed uint64, outliers map[int]float64, drop ...string) string {
	r := rand.New(rand.NewPCG(seed, 5))

	var names []string
	for _, n := range schema.FeatureNames() {
		if !slices.Contains(drop, n) {
			names = append(names, n)
		}
	}

	var sb strings.Builder
	sb.WriteString(schema.TimeColumn + "," + strings.Join(names, ",") + "," + schema.ClassColumn + "\n")
	for i := 0; i < rows; i++ {
		vals := []string{fmt.Sprintf("%d", i)}
		for range names {
			v := r.NormFloat64()
			if o, ok := outliers[i]; ok {
				v = o
			}
			vals = append(vals, fmt.Sprintf("%.6f", v))
		}
		vals = append(vals, "0")
		sb.WriteString(strings.Join(vals, ",") + "\n")
	}
	return sb.String()
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func newTestService(t *testing.T) *scoring.Service {
	t.Helper()
	tbl, err := schema.ReadCSV(strings.NewReader(corpusCSV(500, 1, nil)))
	require.NoError(t, err)
	m, err := tbl.Matrix()
	require.NoError(t, err)

	s, err := scaler.Fit(m)
	require.NoError(t, err)
	scaled, err := s.Transform(m)
	require.NoError(t, err)

	f, err := detector.NewIsolationForest(detector.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, f.Fit(context.Background(), scaled))

	svc, err := scoring.New(s, f, "test-pair")
	require.NoError(t, err)
	return svc
}

// runApp executes the CLI with an isolated home and history database.
func runApp(t *testing.T, dbPath, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", filepath.Dir(dbPath))
	t.Setenv("NO_COLOR", "1")

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	app.Reader = strings.NewReader(stdin)

	argv := append([]string{appName, "--db", dbPath}, args...)
	err := app.Run(context.Background(), argv)
	return out.String(), err
}
