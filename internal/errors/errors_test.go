package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesByCode(t *testing.T) {
	err := Wrap(CodeTimeout, stdErrors.New("deadline"), "等待超时")
	wrapped := fmt.Errorf("outer: %w", err)

	assert.True(t, stdErrors.Is(wrapped, New(CodeTimeout, "")))
	assert.False(t, stdErrors.Is(wrapped, New(CodeNotFound, "")))
	assert.Equal(t, CodeTimeout, CodeOf(wrapped))
}

func TestCategoryDefaultsAndOverride(t *testing.T) {
	Register("TEST_REJECTED", Attributes{Message: "rejected", Category: CategoryAuthoritative})

	assert.Equal(t, CategoryAuthoritative, CategoryOf(New("TEST_REJECTED", "")))
	assert.Equal(t, CategoryAmbiguous, CategoryOf(New(CodeTimeout, "")))
	assert.Equal(t, CategoryPreflight, CategoryOf(New(CodeTimeout, "", WithCategory(CategoryPreflight))))
	assert.Equal(t, CategoryInternal, CategoryOf(stdErrors.New("plain")))
}

func TestMetadataOfWalksChain(t *testing.T) {
	inner := New(CodeTimeout, "confirm", WithMetadata(MetaTxHash, "0xabc"))
	outer := Wrap(CodeStorageFailure, inner, "release", WithMetadata(MetaJobID, "7"))

	assert.Equal(t, "7", MetadataOf(outer, MetaJobID))
	assert.Equal(t, "0xabc", MetadataOf(outer, MetaTxHash))
	assert.Empty(t, MetadataOf(outer, MetaHireID))
	assert.Empty(t, MetadataOf(stdErrors.New("plain"), MetaJobID))
}

func TestUnknownCodeFallsBack(t *testing.T) {
	e := New("NEVER_REGISTERED", "")
	require.NotNil(t, e)
	assert.Equal(t, "unknown error", e.Message())
	assert.True(t, e.ShouldAlert())
	assert.Equal(t, SeverityCritical, SeverityOf(e))
}

func TestAnnotateKeepsCode(t *testing.T) {
	base := New(CodeTimeout, "confirm", WithCategory(CategoryAuthoritative))
	annotated := Annotate(base, MetaJobID, "9")

	assert.Equal(t, CodeTimeout, CodeOf(annotated))
	assert.Equal(t, CategoryAuthoritative, CategoryOf(annotated))
	assert.Equal(t, "9", MetadataOf(annotated, MetaJobID))
	assert.Empty(t, base.Meta(MetaJobID))

	plain := stdErrors.New("plain")
	assert.Same(t, plain, Annotate(plain, MetaJobID, "9"))
}

func TestMergedMetadataKeepsInnerKeys(t *testing.T) {
	inner := New(CodeTimeout, "等待确认超时", WithMetadata(MetaTxHash, "0xabc"), WithMetadata(MetaReason, "inner"))
	outer := Wrap(CodeStorageFailure, fmt.Errorf("submit: %w", inner), "创建失败",
		WithMetadata(MetaReason, "outer"), WithMetadata(MetaHireID, "h-1"))

	got := MergedMetadata(outer)
	assert.Equal(t, map[string]string{MetaTxHash: "0xabc", MetaReason: "outer", MetaHireID: "h-1"}, got)
	assert.Nil(t, MergedMetadata(stdErrors.New("plain")))
}
