// Package ratelimit fornece os adapters HTTP (net/http) do rate limit em
// camadas por categoria de operação e tier do chamador.
//
// Visão geral (camadas):
//
//   - domain: categorias, tiers, políticas, vereditos, contrato do Backend e erros
//   - application: tabela de políticas, registry, classificador, resolução de chave, engine e admin
//   - identity: extração do chamador autenticado (header Auth-Info)
//   - infra: contadores local (LRU) e distribuído (Redis), Selector e estatísticas
//   - ratelimit (este pacote): middlewares HTTP, headers X-RateLimit-*, 429 e rotas admin
//
// Fluxo no gateway:
//
//  1. Descobre a categoria (fixa no Middleware ou pela tabela de rotas em ByRoute)
//  2. Monta o RequestInfo (identidade, IP, e-mail do corpo, tipo de webhook)
//  3. Chama application.Service.Decide para obter o veredito
//  4. Se negado, responde 429 com Retry-After e corpo JSON
//  5. Se o backend falhar, deixa passar (fail open) e loga com throttle
//
// Variáveis de ambiente do binário gateway (cmd/gateway) controlam o comportamento,
// como REDIS_URL, REDIS_CONNECT_TIMEOUT, RATE_POLICY_FILE, TRUST_XFF, TRUST_AUTH_INFO
// e APP_ENV.
package ratelimit
