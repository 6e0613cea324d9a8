package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Field is a canonical column of the analytical schema.
type Field string

const (
	FieldDate      Field = "date"
	FieldTime      Field = "time"
	FieldProduct   Field = "product"
	FieldOrderID   Field = "order_id"
	FieldProductID Field = "product_id"
	FieldPlatform  Field = "platform"
	FieldRevenue   Field = "revenue"
	FieldCost      Field = "cost"
	FieldCommission Field = "commission"
	FieldQuantity  Field = "quantity"
	FieldStatus    Field = "status"
	FieldCategory  Field = "category"
	FieldChannel   Field = "channel"
	FieldClicks    Field = "clicks"
	FieldSubID     Field = "sub_id"
)

// aliases maps each canonical field to the normalized header spellings seen
// in the wild, mostly Brazilian marketplace exports.
var aliases = map[Field]map[string]struct{}{
	FieldDate: set(
		"date", "data", "datapedido", "data_do_pedido", "datadopedido",
		"horario", "horario_do_pedido", "horariodopedido", "tempo",
		"tempo_de_conclusao", "tempo_conclusao", "tempo_dos_cliques",
	),
	FieldTime: set(
		"hora", "horario", "hora_do_pedido", "horario_do_pedido", "tempo_dos_cliques",
	),
	FieldProduct: set(
		"product", "produto", "produto_nome", "product_name", "nome_do_item",
	),
	FieldOrderID: set(
		"order_id", "idpedido", "id_do_pedido", "id_dopedido", "id_pagamento",
		"idpagamento", "numero_do_pedido",
	),
	FieldProductID: set(
		"product_id", "id_do_item", "id_item", "item_id", "id_do_produto",
	),
	FieldPlatform: set(
		"platform", "plataforma", "canal", "channel", "origem", "origem_do_pedido",
	),
	FieldRevenue: set(
		"revenue", "receita", "valor", "valorvenda", "valor_receita",
		"valor_venda", "gross_value", "total", "valor_de_c", "valor_de_compra",
		"valor_de_compra_r", "valor_de_compra_rs", "valor_compra",
		"faturamento", "preco_r", "preco_rs", "preco", "valor_de_compra_r_s",
		"valor_de_compra_r_s_r",
	),
	FieldCost: set(
		"cost", "custo", "valorcusto", "custo_total", "valor_do_r",
		"valor_gasto", "valor_gasto_anuncios", "gasto_anuncios",
	),
	FieldCommission: set(
		"commission", "comissao", "taxa", "fee", "commission_value",
		"taxa_de_cc", "taxa_de_cartao",
		"comissao_liquido", "comissao_liquido_do_afiliado_rs",
		"comissao_liquido_do_afiliado_r",
		"comissao_liquida", "comissao_liquida_do_afiliado_rs",
		"comissao_liquida_do_afiliado_r", "comissao_liquida_do_afiliado",
		"comissao_liquida_do_afiliado_r_s", "comissao_liquida_do_afiliado_r_s_r",
		"comissa_o_liquida_do_afiliado_r", "comissa_o_la_quida_do_afiliado_r",
		"comissao_total_do_item_r", "comissao_total_do_item_rs",
		"comissao_total_do_pedido_r", "comissao_total_do_pedido_rs",
		"taxa_de_comissao_shopee_do_item", "taxa_de_comissao_do_vendedor_do_item",
		"comissao_do_item_da_shopee_r", "comissao_do_item_da_marca_r",
		"comissao_do_vendedor_r", "comissao_shopee_r", "comissao_shopee_rs",
	),
	FieldQuantity: set(
		"quantity", "quantidade", "qtd", "item_count", "count", "vendas", "sales_count",
	),
	FieldStatus: set(
		"status", "status_do_pedido", "status_pedido",
	),
	FieldCategory: set(
		"categoria", "categoria_global", "categoria_global_l1",
	),
	FieldChannel: set(
		"channel", "canal", "origem", "origem_do_pedido", "plataforma",
		"platform", "referenciador", "referrer",
	),
	FieldClicks: set(
		"clicks", "cliques", "total_de_cliques", "cliques_por_canal",
		"cliques_por_hora", "quantidade_cliques", "cliques_count",
	),
	FieldSubID: set(
		"sub_id", "subid", "subid1", "subid2", "id_sub", "referencia",
	),
}

// priorityOrder disambiguates revenue/commission collisions: exact
// affiliate-commission and purchase-value spellings win over generic fee and
// total columns.
var priorityOrder = []string{
	"comissao_liquida_do_afiliado_r",
	"comissao_liquido_do_afiliado_r",
	"comissa_o_liquida_do_afiliado_r",
	"comissa_o_la_quida_do_afiliado_r",
	"valor_de_compra_r",
	"valor_venda",
	"revenue",
	"commission",
}

func set(members ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

// NormalizeName lowercases a header, strips accents, and collapses every
// non-alphanumeric run into a single underscore.
func NormalizeName(name string) string {
	decomposed := norm.NFKD.String(name)

	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		r = unicode.ToLower(r)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}

	parts := strings.FieldsFunc(b.String(), func(r rune) bool { return r == '_' })
	return strings.Join(parts, "_")
}

// MapHeaders resolves each canonical field to a column index. First match
// wins, with the priority spellings tried before plain set membership so a
// gross-total column never shadows the real revenue column.
func MapHeaders(headers []string) map[Field]int {
	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = NormalizeName(h)
	}

	out := make(map[Field]int, len(aliases))
	for field, aliasSet := range aliases {
		if idx, ok := findColumn(normalized, aliasSet); ok {
			out[field] = idx
		}
	}
	return out
}

func findColumn(normalized []string, aliasSet map[string]struct{}) (int, bool) {
	for _, priority := range priorityOrder {
		if _, ok := aliasSet[priority]; !ok {
			continue
		}
		for i, col := range normalized {
			if col == priority {
				return i, true
			}
		}
	}
	for i, col := range normalized {
		if _, ok := aliasSet[col]; ok {
			return i, true
		}
	}
	return 0, false
}
