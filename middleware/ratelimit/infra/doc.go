// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - MemoryStore: contador local em janela fixa, LRU limitado (golang-lru)
//   - RedisStore: contador distribuído via script Lua (go-redis)
//   - Selector: escolhe e monitora o backend ativo, com fallback para o local
//   - MemoryStatsStore / RedisStatsStore: estatísticas de veredito
package infra
