package verify

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultObfuscationThreshold — балл, выше которого добавленный код считается обфусцированным.
const DefaultObfuscationThreshold = 10

const (
	statePriorContent    = "priorContent"
	stateObfuscatedBlock = "obfuscatedBlock"
)

var (
	hexEscapeRe     = regexp.MustCompile(`\\x[0-9A-Fa-f]{2}`)
	unicodeEscapeRe = regexp.MustCompile(`\\u[0-9A-Fa-f]{4}`)
	dangerousCallRe = regexp.MustCompile(`eval|Function|document\.write`)
	longIdentRe     = regexp.MustCompile(`\b[a-zA-Z_]\w{10,}\b`)
)

// ScoreDetails — разбивка балла по признакам.
type ScoreDetails struct {
	Score          int
	HexEscapes     int
	UnicodeEscapes int
	DangerousCalls int
	LongIdents     int
	NonAlnumRatio  float64
}

// Score оценивает фрагмент скрипта. Экранирования дают по 2, опасные вызовы по 3,
// длинные идентификаторы по 1; доля не-буквенно-цифровых символов > 0.4 добавляет floor(ratio*10).
func Score(code string) ScoreDetails {
	var d ScoreDetails
	d.HexEscapes = len(hexEscapeRe.FindAllString(code, -1))
	d.UnicodeEscapes = len(unicodeEscapeRe.FindAllString(code, -1))
	d.DangerousCalls = len(dangerousCallRe.FindAllString(code, -1))
	d.LongIdents = len(longIdentRe.FindAllString(code, -1))

	d.Score = 2*d.HexEscapes + 2*d.UnicodeEscapes + 3*d.DangerousCalls + d.LongIdents

	if n := len(code); n > 0 {
		nonAlnum := 0
		for i := 0; i < n; i++ {
			c := code[i]
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
				nonAlnum++
			}
		}
		d.NonAlnumRatio = float64(nonAlnum) / float64(n)
		if d.NonAlnumRatio > 0.4 {
			d.Score += int(math.Floor(d.NonAlnumRatio * 10))
		}
	}
	return d
}

func IsObfuscated(code string, threshold float64) bool {
	return float64(Score(code).Score) > threshold
}

// normalizeScript раскладывает скрипт по одной инструкции на строку,
// чтобы диф не зависел от минификации и переносов.
func normalizeScript(src string) string {
	var b strings.Builder
	for _, line := range strings.FieldsFunc(src, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ';' || r == '{' || r == '}'
	}) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// AppendedChunks возвращает добавленные строки построчного дифа prior -> current.
func AppendedChunks(prior, current string) []string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(normalizeScript(prior), normalizeScript(current))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out []string
	for _, df := range diffs {
		if df.Type == diffmatchpatch.DiffInsert && strings.TrimSpace(df.Text) != "" {
			out = append(out, df.Text)
		}
	}
	return out
}

// obfuscatedAppend: true, если в новой версии ресурса появился обфусцированный код.
// Безобидное изменение сдвигает эталон, подозрительное: нет.
func (d Deps) obfuscatedAppend(ctx context.Context, a Args) (Result, error) {
	resp, err := a.Client.Get(ctx, a.Link.URLTarget)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", a.Link.URLTarget, err)
	}
	current := string(resp.Body)

	prior, ok := a.State[statePriorContent].(string)
	if a.Policy.Refresh() || !ok {
		return Result{Output: false, State: map[string]any{statePriorContent: current}}, nil
	}
	if prior == current {
		return Result{Output: false}, nil
	}

	threshold := a.Policy.ArgFloat("threshold", d.ObfuscationThreshold)
	var flagged []string
	for _, chunk := range AppendedChunks(prior, current) {
		if IsObfuscated(chunk, threshold) {
			flagged = append(flagged, chunk)
		}
	}
	if len(flagged) > 0 {
		return Result{Output: true, State: map[string]any{stateObfuscatedBlock: strings.Join(flagged, "")}}, nil
	}
	return Result{Output: false, State: map[string]any{statePriorContent: current, stateObfuscatedBlock: ""}}, nil
}
