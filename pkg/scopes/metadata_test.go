package scopes

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"scopedb/pkg/dberrors"
	"scopedb/pkg/lockmgr"
)

func TestScopeMetadataRoundTrip(t *testing.T) {
	cases := []scopeMetadata{
		{state: stateCommitted},
		{state: stateCommitted, ignoreCleanupTasks: true},
		{state: stateInDoubt, locks: []lockmgr.Request{
			{Level: 0, Type: lockmgr.TypeExclusive, Range: lockmgr.Range{Begin: []byte("a"), End: []byte("b")}},
			{Level: 3, Type: lockmgr.TypeExclusive, Range: lockmgr.Range{Begin: []byte("k1"), End: []byte("k9")}},
		}},
	}
	for _, want := range cases {
		got, err := decodeScopeMetadata(encodeScopeMetadata(want))
		if err != nil {
			t.Fatalf("decode(encode(%+v)): %v", want, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip: got %+v, want %+v", got, want)
		}
	}
}

func TestDecodeScopeMetadataRejectsMalformed(t *testing.T) {
	inDoubt := encodeScopeMetadata(scopeMetadata{state: stateInDoubt, locks: []lockmgr.Request{
		{Type: lockmgr.TypeExclusive, Range: lockmgr.Range{Begin: []byte("a"), End: []byte("b")}},
	}})
	cases := map[string][]byte{
		"empty":               nil,
		"truncated header":    {byte(metadataVersion)},
		"unknown state":       {byte(metadataVersion), 0xff, 0},
		"future version":      {byte(metadataVersion) + 1, byte(stateCommitted), 0},
		"truncated lock list": inDoubt[:len(inDoubt)-1],
		"trailing bytes":      append(encodeScopeMetadata(scopeMetadata{state: stateCommitted}), 0),
	}
	for name, buf := range cases {
		if _, err := decodeScopeMetadata(buf); !errors.Is(err, dberrors.ErrCorruption) {
			t.Errorf("%s: got %v, want corruption", name, err)
		}
	}
}

func TestCommittedRecordCarriesNoLocks(t *testing.T) {
	buf := encodeScopeMetadata(scopeMetadata{state: stateCommitted, locks: []lockmgr.Request{
		{Type: lockmgr.TypeExclusive, Range: lockmgr.Range{Begin: []byte("a"), End: []byte("b")}},
	}})
	got, err := decodeScopeMetadata(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.locks) != 0 {
		t.Fatalf("committed record decoded with %d locks", len(got.locks))
	}
}

func TestUndoEntryRoundTrip(t *testing.T) {
	cases := []undoEntry{
		{op: undoPut, key: []byte("k"), value: []byte("prior")},
		{op: undoPut, key: []byte("k"), value: []byte{}},
		{op: undoDelete, key: []byte("new-key")},
	}
	for _, want := range cases {
		got, err := decodeUndoEntry(encodeUndoEntry(want))
		if err != nil {
			t.Fatalf("decode(encode(%+v)): %v", want, err)
		}
		if got.op != want.op || !bytes.Equal(got.key, want.key) || !bytes.Equal(got.value, want.value) {
			t.Fatalf("round trip: got %+v, want %+v", got, want)
		}
	}
}

func TestDecodeUndoEntryRejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":                 nil,
		"unknown op":            {0xee, 1, 'k'},
		"truncated key":         {byte(undoPut), 5, 'k'},
		"delete carrying value": append(encodeUndoEntry(undoEntry{op: undoDelete, key: []byte("k")}), 'x'),
	}
	for name, buf := range cases {
		if _, err := decodeUndoEntry(buf); !errors.Is(err, dberrors.ErrCorruption) {
			t.Errorf("%s: got %v, want corruption", name, err)
		}
	}
}
