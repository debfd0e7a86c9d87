package identify

import (
	"context"
	"errors"
	"testing"

	"github.com/menta2k/food-portion/pkg/types"
)

type fakeVision struct {
	reply string
	err   error
	model string
	image string
}

func (f *fakeVision) SimpleQuery(_ context.Context, model, _, imgB64 string) (string, error) {
	f.model, f.image = model, imgB64
	return f.reply, f.err
}

func TestIdentify(t *testing.T) {
	fv := &fakeVision{reply: "  Chicken curry.\n"}
	id := New(fv, "llava")

	got, err := id.Identify(context.Background(), "QUJD")
	if err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	if got.FoodName != "Chicken curry" {
		t.Errorf("expected cleaned name, got %q", got.FoodName)
	}
	if fv.model != "llava" || fv.image != "QUJD" {
		t.Errorf("model/image not forwarded: %+v", fv)
	}
}

func TestIdentifyEmptyReply(t *testing.T) {
	id := New(&fakeVision{reply: " \n\"\" "}, "llava")
	_, err := id.Identify(context.Background(), "QUJD")
	if !errors.Is(err, types.ErrUpstream) {
		t.Errorf("expected ErrUpstream, got %v", err)
	}
}

func TestIdentifyTransportError(t *testing.T) {
	boom := errors.New("connection refused")
	id := New(&fakeVision{err: boom}, "llava")
	_, err := id.Identify(context.Background(), "QUJD")
	if !errors.Is(err, types.ErrUpstream) || !errors.Is(err, boom) {
		t.Errorf("expected wrapped upstream error, got %v", err)
	}
}

func TestCleanName(t *testing.T) {
	cases := map[string]string{
		"rice":                    "rice",
		"**Spaghetti carbonara**": "Spaghetti carbonara",
		"\n\n'Caesar salad'!\nmore": "Caesar salad",
		"":                        "",
	}
	for in, want := range cases {
		if got := CleanName(in); got != want {
			t.Errorf("CleanName(%q) = %q, want %q", in, got, want)
		}
	}
}
