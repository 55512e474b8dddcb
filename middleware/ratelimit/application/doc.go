// Package application contém os casos de uso do rate limit: tabela de
// políticas, registry, classificação de tier, resolução de chave, engine de
// consumo e a superfície administrativa.
//
// Depende apenas do pacote domain e não conhece net/http.
// Ex.: Service.Decide(ctx, category, info) retorna uma Decision (veredito +
// política + chave).
package application
