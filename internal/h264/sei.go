package h264

import "github.com/zsiec/ccx"

// CaptionCount returns the number of CEA-608 byte pairs and CEA-708 (DTVCC)
// triplets carried in an SEI NAL payload. Both are zero when the SEI holds
// no caption data.
func CaptionCount(sei []byte) (cea608, cea708 int) {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return 0, 0
	}
	return len(cd.CC608Pairs), len(cd.DTVCC)
}
