package embed

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hybrid-element-retriever/her/internal/model"
)

func TestCanonicalTextOrdersAttributesDeterministically(t *testing.T) {
	el := model.ElementDescriptor{
		Tag:            "button",
		Role:           "button",
		AccessibleName: "Apply filter",
		InnerText:      "Apple",
		Attributes:     map[string]string{"data-testid": "filter-apple", "class": "chip"},
	}
	got := CanonicalText(el)
	require.Equal(t, "button button Apply filter Apple class=chip data-testid=filter-apple", got)
}

func TestCanonicalTextIgnoresUncuratedAttributes(t *testing.T) {
	el := model.ElementDescriptor{
		Tag:        "div",
		Attributes: map[string]string{"style": "color:red", "id": "x"},
	}
	got := CanonicalText(el)
	require.Equal(t, "div id=x", got)
}

func TestL2NormalizeProducesUnitVector(t *testing.T) {
	v := []float32{3, 4}
	l2Normalize(v)
	require.InDelta(t, 0.6, v[0], 1e-4)
	require.InDelta(t, 0.8, v[1], 1e-4)
}
