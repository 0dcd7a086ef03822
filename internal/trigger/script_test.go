package trigger_test

import (
	"reflect"
	"testing"

	"realmcore/internal/trigger"
)

func TestSplitScriptLines(t *testing.T) {
	script := "say The altar hums. && emote glows faintly\n\nnorth\nsay Done.  "
	got := trigger.SplitScriptLines(script)
	want := [][]string{
		{"say The altar hums.", "emote glows faintly"},
		{"north"},
		{"say Done."},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SplitScriptLines: got %v, want %v", got, want)
	}
}

func TestSplitScriptSegmentsEmpty(t *testing.T) {
	if got := trigger.SplitScriptSegments(" \n\n  && "); got != nil {
		t.Fatalf("blank script must yield no segments, got %v", got)
	}
}
