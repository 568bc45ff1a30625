package reservation

import (
	"strconv"
	"strings"
)

// StockUnit identifies the sellable quantity a reservation is held against.
// An empty VariantId targets the piece's base stock.
type StockUnit struct {
	TenantId  string `json:"tenantId"`
	PieceId   string `json:"pieceId"`
	VariantId string `json:"variantId,omitempty"`
}

func (u StockUnit) HasVariant() bool {
	return u.VariantId != ""
}

func (u StockUnit) Validate() error {
	if strings.TrimSpace(u.TenantId) == "" {
		return ErrMissingTenant
	}
	if strings.TrimSpace(u.PieceId) == "" {
		return ErrMissingPiece
	}
	return nil
}

// Key renders the unit as a single string. Segments are length-prefixed so
// ids containing the separator cannot collide across tenants.
func (u StockUnit) Key() string {
	var b strings.Builder
	for i, part := range []string{u.TenantId, u.PieceId, u.VariantId} {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(':')
		b.WriteString(part)
	}
	return b.String()
}

func (u StockUnit) String() string {
	if u.HasVariant() {
		return u.TenantId + "/" + u.PieceId + "/" + u.VariantId
	}
	return u.TenantId + "/" + u.PieceId
}
