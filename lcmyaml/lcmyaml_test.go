// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package lcmyaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jbpf-go/jbpf/lcmapi"
)

func TestParseLoadRequestBasic(t *testing.T) {
	doc := `
codeletset_id: set1
codelet_descriptor:
  - codelet_name: c1
    hook_name: test1
    codelet_path: /codelets/c1.o
    priority: 5
    in_io_channel:
      - name: input_map
    out_io_channel:
      - name: output_map
        stream_id: "00000000000000000000000000000001"
`
	req, err := ParseLoadRequest([]byte(doc), "agent1")
	if err != nil {
		t.Fatalf("ParseLoadRequest: %v", err)
	}
	if req.CodeletSetID.Name != "set1" {
		t.Fatalf("got codeletset name %q", req.CodeletSetID.Name)
	}
	if len(req.Codelets) != 1 {
		t.Fatalf("expected 1 codelet, got %d", len(req.Codelets))
	}
	cd := req.Codelets[0]
	if cd.Priority != 5 {
		t.Fatalf("expected priority 5, got %d", cd.Priority)
	}
	if len(cd.InIOChannel) != 1 || !cd.InIOChannel[0].HasStreamID {
		t.Fatalf("expected a derived stream id on the input channel: %+v", cd.InIOChannel)
	}
	if len(cd.OutIOChannel) != 1 {
		t.Fatalf("expected 1 output channel, got %d", len(cd.OutIOChannel))
	}
}

func TestParseLoadRequestDefaultsPriority(t *testing.T) {
	doc := `
codeletset_id: set1
codelet_descriptor:
  - codelet_name: c1
    hook_name: test1
    codelet_path: /codelets/c1.o
`
	req, err := ParseLoadRequest([]byte(doc), "agent1")
	if err != nil {
		t.Fatalf("ParseLoadRequest: %v", err)
	}
	if req.Codelets[0].Priority != defaultPriority {
		t.Fatalf("expected default priority %d, got %d", defaultPriority, req.Codelets[0].Priority)
	}
}

func TestParseLoadRequestExpandsEnvVars(t *testing.T) {
	t.Setenv("JBPF_CODELET_DIR", "/opt/codelets")
	doc := `
codeletset_id: set1
codelet_descriptor:
  - codelet_name: c1
    hook_name: test1
    codelet_path: $JBPF_CODELET_DIR/c1.o
`
	req, err := ParseLoadRequest([]byte(doc), "agent1")
	if err != nil {
		t.Fatalf("ParseLoadRequest: %v", err)
	}
	if req.Codelets[0].CodeletPath != "/opt/codelets/c1.o" {
		t.Fatalf("expected env var expansion, got %q", req.Codelets[0].CodeletPath)
	}
}

func TestParseLoadRequestLiteralStreamID(t *testing.T) {
	doc := `
codeletset_id: set1
codelet_descriptor:
  - codelet_name: c1
    hook_name: test1
    codelet_path: /codelets/c1.o
    in_io_channel:
      - name: in1
        stream_id: "0102030405060708090a0b0c0d0e0f10"
`
	req, err := ParseLoadRequest([]byte(doc), "agent1")
	if err != nil {
		t.Fatalf("ParseLoadRequest: %v", err)
	}
	want, err := lcmapi.StreamIDFromHex("0102030405060708090a0b0c0d0e0f10")
	if err != nil {
		t.Fatalf("StreamIDFromHex: %v", err)
	}
	if req.Codelets[0].InIOChannel[0].StreamID != want {
		t.Fatalf("expected the literal stream id to be used verbatim")
	}
}

func TestParseLoadRequestDerivedStreamIDIsStable(t *testing.T) {
	// Deriving twice from the same seed gives
	// the same id, and channels with different names diverge.
	doc := `
codeletset_id: set1
codelet_descriptor:
  - codelet_name: c1
    hook_name: test1
    codelet_path: /codelets/c1.o
    in_io_channel:
      - name: in1
      - name: in2
`
	req1, err := ParseLoadRequest([]byte(doc), "agent1")
	if err != nil {
		t.Fatalf("ParseLoadRequest: %v", err)
	}
	req2, err := ParseLoadRequest([]byte(doc), "agent1")
	if err != nil {
		t.Fatalf("ParseLoadRequest: %v", err)
	}
	if req1.Codelets[0].InIOChannel[0].StreamID != req2.Codelets[0].InIOChannel[0].StreamID {
		t.Fatal("expected derivation from the same seed to be stable across parses")
	}
	if req1.Codelets[0].InIOChannel[0].StreamID == req1.Codelets[0].InIOChannel[1].StreamID {
		t.Fatal("expected distinct channel names to derive distinct stream ids")
	}
}

func TestParseLoadRequestRejectsMissingFields(t *testing.T) {
	cases := []string{
		"codelet_descriptor: []\n",
		"codeletset_id: set1\n",
		"codeletset_id: set1\ncodelet_descriptor:\n  - hook_name: test1\n    codelet_path: /x\n",
	}
	for i, doc := range cases {
		if _, err := ParseLoadRequest([]byte(doc), "agent1"); err == nil {
			t.Fatalf("case %d: expected an error, got none", i)
		}
	}
}

func TestParseLoadRequestRejectsBadStreamID(t *testing.T) {
	doc := `
codeletset_id: set1
codelet_descriptor:
  - codelet_name: c1
    hook_name: test1
    codelet_path: /codelets/c1.o
    in_io_channel:
      - name: in1
        stream_id: "not-hex"
`
	_, err := ParseLoadRequest([]byte(doc), "agent1")
	if err == nil {
		t.Fatal("expected an error for a malformed stream_id")
	}
}

func TestParseUnloadRequest(t *testing.T) {
	req, err := ParseUnloadRequest([]byte("codeletset_id: set1\n"))
	if err != nil {
		t.Fatalf("ParseUnloadRequest: %v", err)
	}
	if req.CodeletSetID.Name != "set1" {
		t.Fatalf("got %q", req.CodeletSetID.Name)
	}
}

func TestParseUnloadRequestRequiresID(t *testing.T) {
	if _, err := ParseUnloadRequest([]byte("{}")); err == nil {
		t.Fatal("expected an error for a missing codeletset_id")
	}
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "testdata", name))
	if err != nil {
		t.Fatalf("reading fixture %s: %v", name, err)
	}
	return data
}

func TestParseLoadRequestFixtures(t *testing.T) {
	t.Setenv("JBPF_CODELET_DIR", "/opt/codelets")

	cases := []struct {
		file         string
		codeletSet   string
		wantCodelets int
	}{
		{"simple_output_load.yaml", "simple_output", 1},
		{"shared_counter_load.yaml", "shared_counter", 2},
		{"hook_priority_load.yaml", "priority_order", 3},
		{"helper_gated_load.yaml", "needs_helper", 1},
	}
	for _, c := range cases {
		req, err := ParseLoadRequest(readFixture(t, c.file), "agent1")
		if err != nil {
			t.Fatalf("%s: ParseLoadRequest: %v", c.file, err)
		}
		if req.CodeletSetID.Name != c.codeletSet {
			t.Fatalf("%s: got codeletset %q, want %q", c.file, req.CodeletSetID.Name, c.codeletSet)
		}
		if len(req.Codelets) != c.wantCodelets {
			t.Fatalf("%s: got %d codelets, want %d", c.file, len(req.Codelets), c.wantCodelets)
		}
	}
}

func TestParseUnloadRequestFixture(t *testing.T) {
	req, err := ParseUnloadRequest(readFixture(t, "simple_output_unload.yaml"))
	if err != nil {
		t.Fatalf("ParseUnloadRequest: %v", err)
	}
	if req.CodeletSetID.Name != "simple_output" {
		t.Fatalf("got %q", req.CodeletSetID.Name)
	}
}

func TestParseLoadRequestRejectsGarbageYAML(t *testing.T) {
	_, err := ParseLoadRequest([]byte("not: [valid"), "agent1")
	if err == nil || !strings.Contains(err.Error(), "decode load request") {
		t.Fatalf("expected a decode error, got %v", err)
	}
}
