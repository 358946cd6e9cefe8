package main

import "testing"

func TestZoomRangeOptions(t *testing.T) {
	opts, err := zoomRangeOptions(-1, -1)
	if err != nil || opts != nil {
		t.Errorf("zoomRangeOptions(-1, -1) = %v, %v, want nil, nil", opts, err)
	}

	opts, err = zoomRangeOptions(3, 9)
	if err != nil || len(opts) != 1 {
		t.Errorf("zoomRangeOptions(3, 9) = %v, %v, want one option", opts, err)
	}

	if _, err = zoomRangeOptions(3, -1); err == nil {
		t.Error("zoomRangeOptions(3, -1) succeeded, want error")
	}
	if _, err = zoomRangeOptions(-1, 9); err == nil {
		t.Error("zoomRangeOptions(-1, 9) succeeded, want error")
	}
}
