package normalize

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"Comissão Líquida do Afiliado(R$)": "comissao_liquida_do_afiliado_r",
		"Valor de Compra(R$)":              "valor_de_compra_r",
		"  Data do Pedido  ":               "data_do_pedido",
		"product_name":                     "product_name",
		"Preço(R$)":                        "preco_r",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeName(in), in)
	}
}

func TestMapHeadersPrefersAffiliateCommission(t *testing.T) {
	headers := []string{"Data", "Produto", "Taxa", "Comissão Líquida do Afiliado(R$)", "Valor de Compra(R$)"}
	cols := MapHeaders(headers)

	require.Contains(t, cols, FieldCommission)
	assert.Equal(t, 3, cols[FieldCommission], "net affiliate commission must win over generic taxa")
	require.Contains(t, cols, FieldRevenue)
	assert.Equal(t, 4, cols[FieldRevenue])
	assert.Equal(t, 0, cols[FieldDate])
	assert.Equal(t, 1, cols[FieldProduct])
}

func TestParseDecimal(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"R$ 1.234,56", "1234.56"},
		{"1234,56", "1234.56"},
		{"1.000.000", "1000000"},
		{"19.90", "19.9"},
		{"R$19", "19"},
		{"-3,5", "-3.5"},
	}
	for _, tc := range cases {
		got, err := ParseDecimal(tc.in)
		require.NoError(t, err, tc.in)
		assert.True(t, got.Equal(decimal.RequireFromString(tc.want)), "%s -> %s", tc.in, got)
	}

	_, err := ParseDecimal("n/a")
	assert.Error(t, err)
	_, err = ParseDecimal("")
	assert.Error(t, err)
}

func TestParseDateVariants(t *testing.T) {
	d, clock, err := ParseDate("2024-03-09")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-09", d.Format("2006-01-02"))
	assert.Empty(t, clock)

	d, clock, err = ParseDate("09/03/2024")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-09", d.Format("2006-01-02"))
	assert.Empty(t, clock)

	d, clock, err = ParseDate("2024-03-09 14:30:05")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-09", d.Format("2006-01-02"))
	assert.Equal(t, "14:30:05", clock)

	_, _, err = ParseDate("not a date")
	assert.Error(t, err)
}

func TestTransactionNormalization(t *testing.T) {
	headers := []string{"Data", "Produto", "Valor de Compra(R$)", "Custo", "Comissão", "Quantidade", "Status", "Plataforma"}
	cols := MapHeaders(headers)
	n := Normalizer{}

	record := []string{"09/03/2024", " Fone BT ", "R$ 150,00", "30,00", "15,50", "2", "Concluído", "shopee"}
	row, err := n.Transaction(cols, headers, record)
	require.NoError(t, err)

	assert.Equal(t, "Fone BT", row.Product)
	assert.Equal(t, "2024-03-09", row.Date.Format("2006-01-02"))
	assert.True(t, row.Revenue.Equal(decimal.RequireFromString("150")))
	assert.True(t, row.Profit.Equal(row.Revenue.Sub(row.Cost).Sub(row.Commission)))
	assert.Equal(t, 2, row.Quantity)
	assert.Len(t, row.Fingerprint, 32)

	again, err := n.Transaction(cols, headers, record)
	require.NoError(t, err)
	assert.Equal(t, row.Fingerprint, again.Fingerprint)
}

func TestTransactionNormalizationIsIdempotent(t *testing.T) {
	headers := []string{"Data", "Produto", "Valor de Compra(R$)", "Custo", "Comissão", "Status", "Plataforma", "Sub_id", "ID do Pedido"}
	cols := MapHeaders(headers)
	n := Normalizer{}

	record := []string{"09/03/2024", " Fone BT ", "R$ 1.234,56", "30,00", "15,50", "Concluído", "shopee", "camp1", "A-77"}
	first, err := n.Transaction(cols, headers, record)
	require.NoError(t, err)

	// Feed the canonical row back through as a CSV record; a second pass
	// must not change anything.
	canonicalHeaders := []string{"date", "product", "revenue", "cost", "commission", "status", "platform", "sub_id", "order_id"}
	canonicalRecord := []string{
		first.Date.Format("2006-01-02"),
		first.Product,
		first.Revenue.String(),
		first.Cost.String(),
		first.Commission.String(),
		first.Status,
		first.Platform,
		first.SubID,
		first.OrderID,
	}
	second, err := n.Transaction(MapHeaders(canonicalHeaders), canonicalHeaders, canonicalRecord)
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.Product, second.Product)
	assert.True(t, first.Date.Equal(second.Date))
	assert.True(t, first.Revenue.Equal(second.Revenue))
	assert.True(t, first.Cost.Equal(second.Cost))
	assert.True(t, first.Commission.Equal(second.Commission))
	assert.True(t, first.Profit.Equal(second.Profit))
}

func TestTransactionRejections(t *testing.T) {
	headers := []string{"Data", "Produto", "Valor"}
	cols := MapHeaders(headers)
	n := Normalizer{}

	_, err := n.Transaction(cols, headers, []string{"", "Fone", "10"})
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonMissingDate, rej.Reason)

	_, err = n.Transaction(cols, headers, []string{"banana", "Fone", "10"})
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonInvalidDate, rej.Reason)

	_, err = n.Transaction(cols, headers, []string{"2024-01-01", "  ", "10"})
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonMissingProduct, rej.Reason)
}

func TestTransactionNegativeAmountsClampToZero(t *testing.T) {
	headers := []string{"date", "product", "revenue", "cost"}
	cols := MapHeaders(headers)
	n := Normalizer{}

	row, err := n.Transaction(cols, headers, []string{"2024-01-01", "x", "-50", "10"})
	require.NoError(t, err)
	assert.True(t, row.Revenue.IsZero())
	assert.True(t, row.Profit.Equal(decimal.RequireFromString("-10")))
}

func TestClickNormalization(t *testing.T) {
	headers := []string{"Data", "Canal", "Cliques", "Sub_id"}
	cols := MapHeaders(headers)
	n := Normalizer{}

	row, err := n.Click(cols, headers, []string{"2024-05-01", "instagram", "37", "camp1"})
	require.NoError(t, err)
	assert.Equal(t, "instagram", row.Channel)
	assert.Equal(t, 37, row.Clicks)
	assert.Equal(t, "camp1", row.SubID)
	assert.Len(t, row.Fingerprint, 32)
}

func TestClickDefaultsToOneClickPerLine(t *testing.T) {
	headers := []string{"Data", "Canal"}
	cols := MapHeaders(headers)
	n := Normalizer{}

	row, err := n.Click(cols, headers, []string{"2024-05-01", "tiktok"})
	require.NoError(t, err)
	assert.Equal(t, 1, row.Clicks)
}

func TestFingerprintEscapesDelimiter(t *testing.T) {
	a := Fingerprint("a|b", "c")
	b := Fingerprint("a", "b|c")
	assert.NotEqual(t, a, b)
}

func TestDecodeTextLatin1Fallback(t *testing.T) {
	latin1 := []byte{'C', 'o', 'm', 'i', 's', 's', 0xE3, 'o'}
	decoded := DecodeText(latin1)
	assert.Equal(t, "Comissão", string(decoded))

	utf8In := []byte("já válido")
	assert.Equal(t, utf8In, DecodeText(utf8In))
}

func TestKeepRawPreservesOriginalRecord(t *testing.T) {
	headers := []string{"Data", "Produto", "Valor"}
	cols := MapHeaders(headers)
	n := Normalizer{KeepRaw: true}

	row, err := n.Transaction(cols, headers, []string{"2024-01-01", "Fone", "R$ 10,00"})
	require.NoError(t, err)
	assert.Equal(t, "R$ 10,00", row.Raw["Valor"])
}
