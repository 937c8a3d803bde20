package nca

// ApplyPatch splices patch's ciphertext entries into buf, which represents
// the archive bytes [bufOffset, bufOffset+len(buf)) — the spec §4.7 patch
// applier. Entries wholly outside that window are skipped; entries that
// straddle a window boundary are clipped to it. Returns
// ErrPatchContentMismatch if patch was generated against a different
// archive than ctx, the branding check that stops a patch for one title's
// update from being silently applied to another.
func ApplyPatch(ctx *ArchiveContext, patch *Patch, buf []byte, bufOffset int64) error {
	if patch.ContentID != ctx.ContentID {
		return ErrPatchContentMismatch
	}
	spliceEntries(patch.Entries, buf, bufOffset)
	return nil
}

// ApplyHeaderPatch splices a re-encrypted header blob (as returned by
// ArchiveContext.EncryptHeader) into buf the same way ApplyPatch does for
// body patches, for callers staging a full archive rewrite through one
// buffer window. The header has no content-ID branding of its own — it's
// only ever produced from and applied to the ArchiveContext that owns it.
func ApplyHeaderPatch(headerBytes []byte, buf []byte, bufOffset int64) error {
	spliceEntries([]PatchEntry{{Offset: 0, Data: headerBytes}}, buf, bufOffset)
	return nil
}

// spliceEntries copies the portion of each entry overlapping
// [bufOffset, bufOffset+len(buf)) into buf, clipping entries that straddle
// the window boundary.
func spliceEntries(entries []PatchEntry, buf []byte, bufOffset int64) {
	bufEnd := bufOffset + int64(len(buf))
	for _, e := range entries {
		entryEnd := e.Offset + int64(len(e.Data))
		if entryEnd <= bufOffset || e.Offset >= bufEnd {
			continue
		}

		srcStart := int64(0)
		dstStart := e.Offset
		if dstStart < bufOffset {
			srcStart = bufOffset - dstStart
			dstStart = bufOffset
		}

		srcEnd := int64(len(e.Data))
		if entryEnd > bufEnd {
			srcEnd -= entryEnd - bufEnd
		}

		copy(buf[dstStart-bufOffset:], e.Data[srcStart:srcEnd])
	}
}
