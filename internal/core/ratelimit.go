package core

import (
	"math/rand"
	"sync"
	"time"
)

const (
	// sweepProbability 每次 Check 触发过期清扫的概率
	sweepProbability = 0.01
	// maxTrackedClients 超过后强制清扫，防止清扫概率成为唯一的内存保护
	maxTrackedClients = 100000
)

// rateRecord 单个客户端的窗口计数
type rateRecord struct {
	count   int
	resetAt time.Time
}

// QuotaResult Check 的结果
type QuotaResult struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
	Reason    string
}

// QuotaGuard 双层配额：全局上限优先于单客户端上限。
// 只用于保护托管层的共享后端额度，自带凭证的流量不经过它。
type QuotaGuard struct {
	mu sync.Mutex

	perClient int
	global    int
	window    time.Duration

	clients       map[string]*rateRecord
	globalCount   int
	globalResetAt time.Time

	// 测试注入点
	now    func() time.Time
	chance func() float64
}

// NewQuotaGuard 创建配额守卫
func NewQuotaGuard(perClient, global int, window time.Duration) *QuotaGuard {
	return &QuotaGuard{
		perClient: perClient,
		global:    global,
		window:    window,
		clients:   make(map[string]*rateRecord),
		now:       time.Now,
		chance:    rand.Float64,
	}
}

// Check 检查并记账。整个 check-then-increment 序列持锁执行，
// 保证并发请求下计数不会越过上限。
func (g *QuotaGuard) Check(clientKey string) QuotaResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	// 全局窗口过期则重置，新窗口从 now 起算，避免漂移累积
	if !now.Before(g.globalResetAt) {
		g.globalCount = 0
		g.globalResetAt = now.Add(g.window)
	}

	// 全局上限先于一切单客户端逻辑
	if g.globalCount >= g.global {
		return QuotaResult{
			Allowed:   false,
			Remaining: 0,
			ResetIn:   g.globalResetAt.Sub(now),
			Reason:    "daily limit reached",
		}
	}

	// 概率清扫过期记录，没有独立的后台清理任务
	if g.chance() < sweepProbability || len(g.clients) > maxTrackedClients {
		g.sweep(now)
	}

	rec, ok := g.clients[clientKey]
	if !ok || !now.Before(rec.resetAt) {
		g.clients[clientKey] = &rateRecord{count: 1, resetAt: now.Add(g.window)}
		g.globalCount++
		return QuotaResult{
			Allowed:   true,
			Remaining: g.perClient - 1,
			ResetIn:   g.window,
		}
	}

	if rec.count >= g.perClient {
		// 不带 reason，调用方自行生成通用提示
		return QuotaResult{
			Allowed:   false,
			Remaining: 0,
			ResetIn:   rec.resetAt.Sub(now),
		}
	}

	rec.count++
	g.globalCount++
	return QuotaResult{
		Allowed:   true,
		Remaining: g.perClient - rec.count,
		ResetIn:   rec.resetAt.Sub(now),
	}
}

// sweep 删除窗口已过期的记录，调用方必须持锁
func (g *QuotaGuard) sweep(now time.Time) {
	for k, rec := range g.clients {
		if !now.Before(rec.resetAt) {
			delete(g.clients, k)
		}
	}
}
