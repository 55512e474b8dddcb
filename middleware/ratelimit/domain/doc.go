// Package domain define contratos e tipos de domínio do rate limit em camadas:
// categorias, tiers, políticas, chaves de cliente, vereditos, o contrato do
// contador (Backend), a máquina de estados do store distribuído e os erros
// com código.
//
// Este pacote não depende de net/http nem de implementações concretas.
package domain
