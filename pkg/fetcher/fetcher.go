package fetcher

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"finapi/pkg/apiclient"
	"finapi/pkg/config"
	"finapi/pkg/logger"
)

// Fetcher 按数据类型在多个提供商之间自动切换
type Fetcher struct {
	reg     *apiclient.Registry
	sources map[string][]string

	mu   sync.Mutex
	used map[string]*apiclient.Client

	log *logrus.Entry
}

// New 创建 Fetcher，sources 为空时使用默认候选表
func New(reg *apiclient.Registry, sources map[string][]string) *Fetcher {
	if len(sources) == 0 {
		sources = config.DefaultFetcherSources()
	}
	return &Fetcher{
		reg:     reg,
		sources: sources,
		used:    make(map[string]*apiclient.Client),
		log:     logger.WithComponent("fetcher"),
	}
}

// Candidates 某数据类型的候选提供商，preferred 在列表中时排在首位
func (f *Fetcher) Candidates(dataType, preferred string) []string {
	list, ok := f.sources[dataType]
	if !ok {
		list = []string{config.DefaultProviderName}
	}

	if preferred == "" || !slices.Contains(list, preferred) {
		return slices.Clone(list)
	}
	out := make([]string, 0, len(list))
	out = append(out, preferred)
	for _, s := range list {
		if s != preferred {
			out = append(out, s)
		}
	}
	return out
}

func (f *Fetcher) client(source string) *apiclient.Client {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.used[source]; ok {
		return c
	}
	c := f.reg.Client(source)
	f.used[source] = c
	return c
}

// FetchWithFallback 依次尝试候选提供商，返回第一个成功且非空的结果及其来源。
// 没有抓取函数的提供商直接跳过；所有候选都失败时返回 (nil, "")。
func (f *Fetcher) FetchWithFallback(ctx context.Context, dataType string, fetchers map[string]apiclient.FetchFunc, key, preferred string) (any, string) {
	for _, source := range f.Candidates(dataType, preferred) {
		fetch, ok := fetchers[source]
		if !ok || fetch == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			f.log.WithError(err).Warnf("调用被取消，停止尝试: %s", key)
			return nil, ""
		}

		result, ok := f.client(source).CallWithCacheAndLimit(ctx, fetch, key+"_"+source)
		if ok && apiclient.Truthy(result) {
			return result, source
		}
		f.log.WithFields(logrus.Fields{
			"source": source,
			"key":    key,
		}).Warn("数据源获取失败，尝试下一个")
	}

	f.log.WithField("data_type", dataType).Errorf("所有数据源均已失败: %s", key)
	return nil, ""
}

// Stats 已使用过的提供商的统计
func (f *Fetcher) Stats(ctx context.Context) map[string]apiclient.ClientStats {
	f.mu.Lock()
	clients := make([]*apiclient.Client, 0, len(f.used))
	for _, c := range f.used {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	out := make(map[string]apiclient.ClientStats, len(clients))
	for _, c := range clients {
		out[c.Name()] = c.Stats(ctx)
	}
	return out
}

// Sources 已使用过的提供商名称(已排序)
func (f *Fetcher) Sources() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	names := make([]string, 0, len(f.used))
	for name := range f.used {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
