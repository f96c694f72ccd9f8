package multipart

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pagedTransport struct {
	Transport
	pages   []ListPartsOutput
	markers []int
	err     error
}

func (p *pagedTransport) ListParts(_ context.Context, input ListPartsInput) (ListPartsOutput, error) {
	p.markers = append(p.markers, input.PartNumberMarker)
	if p.err != nil {
		return ListPartsOutput{}, p.err
	}
	out := p.pages[0]
	p.pages = p.pages[1:]
	return out, nil
}

func TestListAllParts(t *testing.T) {
	transport := &pagedTransport{pages: []ListPartsOutput{
		{Parts: []PartInfo{{PartNumber: 1}, {PartNumber: 2}}, IsTruncated: true, NextPartNumberMarker: 2},
		{Parts: []PartInfo{{PartNumber: 3}}, IsTruncated: true, NextPartNumberMarker: 3},
		{Parts: []PartInfo{{PartNumber: 5}}},
	}}

	parts, err := ListAllParts(context.Background(), transport, ListPartsInput{Bucket: "b", Object: "o", UploadID: "u", MaxParts: 2})
	require.NoError(t, err)

	var numbers []int
	for _, p := range parts {
		numbers = append(numbers, p.PartNumber)
	}
	assert.Equal(t, []int{1, 2, 3, 5}, numbers)
	assert.Equal(t, []int{0, 2, 3}, transport.markers)
}

func TestListAllParts_MarkerNotAdvancing(t *testing.T) {
	transport := &pagedTransport{pages: []ListPartsOutput{
		{Parts: []PartInfo{{PartNumber: 1}}, IsTruncated: true, NextPartNumberMarker: 0},
	}}

	_, err := ListAllParts(context.Background(), transport, ListPartsInput{UploadID: "u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marker did not advance")
}

func TestListAllParts_Error(t *testing.T) {
	transport := &pagedTransport{err: errors.New("boom")}

	_, err := ListAllParts(context.Background(), transport, ListPartsInput{UploadID: "u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestValidatePartNumber(t *testing.T) {
	assert.NoError(t, ValidatePartNumber(1))
	assert.NoError(t, ValidatePartNumber(10000))
	assert.Error(t, ValidatePartNumber(0))
	assert.Error(t, ValidatePartNumber(10001))
}
