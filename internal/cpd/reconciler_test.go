package cpd

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/zsiec/vidclock/internal/h264"
)

var (
	spsA = []byte{0x67, 0x42, 0xC0, 0x1E, 0xAA}
	spsB = []byte{0x67, 0x42, 0xC0, 0x1F, 0xBB}
	ppsA = []byte{0x68, 0xCE, 0x38, 0x80}
	idr  = []byte{0x65, 0x88, 0x84, 0x10}
)

func annexB(payloads ...[]byte) []byte {
	return h264.FromPayloads(payloads)
}

func mustSet(t *testing.T, payloads ...[]byte) *Set {
	t.Helper()
	s, err := ParseExtradata(annexB(payloads...))
	if err != nil {
		t.Fatalf("ParseExtradata: %v", err)
	}
	return &s
}

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", ExtradataCanonical, false},
		{"extradata", ExtradataCanonical, false},
		{"Bitstream", BitstreamCanonical, false},
		{"bitstream-canonical", BitstreamCanonical, false},
		{"newest", 0, true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBitstreamCanonicalReplacesSPS(t *testing.T) {
	t.Parallel()
	var logs bytes.Buffer
	r := NewReconciler(mustSet(t, spsA, ppsA), BitstreamCanonical, testLogger(&logs))

	res := r.Reconcile(h264.Split(annexB(spsB, ppsA, idr), false))

	if len(res.NALUs) != 1 || res.NALUs[0].Type != h264.KindIDR {
		t.Fatalf("expected only IDR to be emitted, got %v", res.NALUs)
	}
	if !res.Changed {
		t.Error("expected Changed after replacement")
	}
	if res.Mismatches != 1 || res.Duplicates != 1 {
		t.Errorf("mismatches=%d duplicates=%d", res.Mismatches, res.Duplicates)
	}
	if got, want := r.CPD().Bytes(), annexB(spsB, ppsA); !bytes.Equal(got, want) {
		t.Errorf("CPD = %x, want %x", got, want)
	}
	if !strings.Contains(logs.String(), "replaced CPD entry") {
		t.Errorf("expected replacement to be logged, got %q", logs.String())
	}
}

func TestExtradataCanonicalKeepsCPD(t *testing.T) {
	t.Parallel()
	var logs bytes.Buffer
	r := NewReconciler(mustSet(t, spsA, ppsA), ExtradataCanonical, testLogger(&logs))

	res := r.Reconcile(h264.Split(annexB(spsB, ppsA, idr), false))

	if len(res.NALUs) != 1 || res.NALUs[0].Type != h264.KindIDR {
		t.Fatalf("expected only IDR to be emitted, got %v", res.NALUs)
	}
	if res.Changed {
		t.Error("extradata-canonical must not change the CPD")
	}
	if got, want := r.CPD().Bytes(), annexB(spsA, ppsA); !bytes.Equal(got, want) {
		t.Errorf("CPD = %x, want %x", got, want)
	}
	if !strings.Contains(logs.String(), "differs from CPD") {
		t.Errorf("expected inconsistency to be logged, got %q", logs.String())
	}
}

func TestEqualParameterSetsDropped(t *testing.T) {
	t.Parallel()
	for _, p := range []Policy{ExtradataCanonical, BitstreamCanonical} {
		r := NewReconciler(mustSet(t, spsA, ppsA), p, nil)
		res := r.Reconcile(h264.Split(annexB(spsA, ppsA, idr), false))
		if res.Changed || res.Duplicates != 2 || len(res.NALUs) != 1 {
			t.Errorf("%s: changed=%v duplicates=%d emitted=%d", p, res.Changed, res.Duplicates, len(res.NALUs))
		}
	}
}

func TestMissingExtradataAdoptsBitstream(t *testing.T) {
	t.Parallel()
	r := NewReconciler(&Set{}, ExtradataCanonical, nil)
	res := r.Reconcile(h264.Split(annexB(spsA, ppsA, idr), false))
	if !res.Changed {
		t.Error("expected Changed when CPD was empty")
	}
	if got := r.CPD().Bytes(); !bytes.Equal(got, annexB(spsA, ppsA)) {
		t.Errorf("CPD = %x", got)
	}
}

func TestPassThroughAndDrop(t *testing.T) {
	t.Parallel()
	aud := []byte{0x09, 0xF0}
	sei := []byte{0x06, 0x05, 0x01, 0xAA, 0x80}
	nidr := []byte{0x41, 0x9A}
	filler := []byte{0x0C, 0xFF, 0xFF}

	r := NewReconciler(mustSet(t, spsA, ppsA), BitstreamCanonical, nil)
	res := r.Reconcile(h264.Split(annexB(aud, sei, filler, idr, nidr), false))

	want := []h264.Kind{h264.KindAUD, h264.KindSEI, h264.KindIDR, h264.KindNIDR}
	if len(res.NALUs) != len(want) {
		t.Fatalf("expected %d units, got %d", len(want), len(res.NALUs))
	}
	for i, k := range want {
		if res.NALUs[i].Type != k {
			t.Errorf("unit %d: got %s, want %s", i, res.NALUs[i].Type, k)
		}
	}
	if res.Dropped != 1 {
		t.Errorf("expected 1 dropped unit, got %d", res.Dropped)
	}
}

func TestCPDHoldsOneOfEach(t *testing.T) {
	t.Parallel()
	s := mustSet(t, spsA, spsB, ppsA, ppsA)
	if n := len(s.NALUs()); n != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}
	got, _ := s.Get(h264.KindSPS)
	if !bytes.Equal(got.Payload, spsA) {
		t.Errorf("expected first SPS to win, got %x", got.Payload)
	}
}

func TestParseExtradataAVCC(t *testing.T) {
	t.Parallel()
	rec := []byte{0x01, 0x42, 0xC0, 0x1E, 0xFF, 0xE1}
	rec = append(rec, 0x00, byte(len(spsA)))
	rec = append(rec, spsA...)
	rec = append(rec, 0x01, 0x00, byte(len(ppsA)))
	rec = append(rec, ppsA...)

	s, err := ParseExtradata(rec)
	if err != nil {
		t.Fatalf("ParseExtradata: %v", err)
	}
	if got := s.Bytes(); !bytes.Equal(got, annexB(spsA, ppsA)) {
		t.Errorf("got %x", got)
	}

	if _, err := ParseExtradata(rec[:9]); err == nil {
		t.Error("expected error for truncated record")
	}
}

func TestParseExtradataRequiresStartCode(t *testing.T) {
	t.Parallel()
	_, err := ParseExtradata([]byte{0x67, 0x42, 0x00, 0x00, 0x01, 0x68, 0xCE})
	if !h264.IsMalformed(err) {
		t.Errorf("expected malformed bitstream error, got %v", err)
	}
}

func TestInfoWithoutSPS(t *testing.T) {
	t.Parallel()
	var s Set
	if _, err := s.Info(); !errors.Is(err, ErrNoSPS) {
		t.Errorf("expected ErrNoSPS, got %v", err)
	}
	s.Put(h264.NewNALU([]byte{0x67}))
	if _, err := s.Info(); err == nil {
		t.Error("expected parse error for truncated SPS")
	}
}
