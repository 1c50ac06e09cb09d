// Copyright 2026 The corevm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// Tests that Level can marshal/unmarshal properly.
func TestLevelMarshal(t *testing.T) {
	lvs := []Level{Warning, Info, Debug}
	for _, lv := range lvs {
		bs, err := lv.MarshalJSON()
		if err != nil {
			t.Errorf("error marshaling %v: %v", lv, err)
		}
		var lv2 Level
		if err := lv2.UnmarshalJSON(bs); err != nil {
			t.Errorf("error unmarshaling %v: %v", bs, err)
		}
		if lv != lv2 {
			t.Errorf("marshal/unmarshal level got %v wanted %v", lv2, lv)
		}
	}
}

// Test that integers can be properly unmarshaled.
func TestUnmarshalFromInt(t *testing.T) {
	tcs := []struct {
		i    int
		want Level
	}{
		{0, Warning},
		{1, Info},
		{2, Debug},
	}

	for _, tc := range tcs {
		j, err := json.Marshal(tc.i)
		if err != nil {
			t.Errorf("error marshaling %v: %v", tc.i, err)
		}
		var lv Level
		if err := lv.UnmarshalJSON(j); err != nil {
			t.Errorf("error unmarshaling %v: %v", j, err)
		}
		if lv != tc.want {
			t.Errorf("marshal/unmarshal %v got %v want %v", tc.i, lv, tc.want)
		}
	}
}

func TestJSONEmitters(t *testing.T) {
	ts := time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)
	for _, test := range []struct {
		name  string
		emit  func(w *Writer)
		field string
	}{
		{
			name:  "json",
			emit:  func(w *Writer) { JSONEmitter{w}.Emit(0, Info, ts, "pid %d", 7) },
			field: "msg",
		},
		{
			name:  "json-k8s",
			emit:  func(w *Writer) { K8sJSONEmitter{w}.Emit(0, Info, ts, "pid %d", 7) },
			field: "log",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			tw := &testWriter{}
			test.emit(&Writer{Next: tw})
			if len(tw.lines) == 0 {
				t.Fatalf("nothing was written")
			}
			var got map[string]any
			if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
				t.Fatalf("output %q is not json: %v", tw.lines[0], err)
			}
			msg, ok := got[test.field].(string)
			if !ok || !strings.HasSuffix(msg, "] pid 7") {
				t.Errorf("got %s=%q, want a caller-prefixed message", test.field, msg)
			}
			if got["level"] != "info" {
				t.Errorf("got level %v, want info", got["level"])
			}
		})
	}
}
