package aiclient

import (
	"sync"

	"AIStory-server/models"
)

// Constructor 由提供商配置构建一个可调用的客户端
type Constructor func(p *models.ModelProvider) (Client, error)

type entry struct {
	category Category
	build    Constructor
}

// Registry 启动期构建的执行器注册表：稳定字符串 key -> (类别, 构造函数)。
// 取代源系统里"类路径字符串 + 动态 import"的做法。
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]entry
	defaults map[Category]string
}

func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[string]entry),
		defaults: make(map[Category]string),
	}
}

// Register 注册执行器，重复注册以后者为准
func (r *Registry) Register(key string, category Category, build Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = entry{category: category, build: build}
}

// SetDefault 设置类别的默认执行器，供未配置 executor 的提供商回退使用
func (r *Registry) SetDefault(category Category, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[category] = key
}

// Resolve 按标识查找执行器构造函数及其声明类别
func (r *Registry) Resolve(key string) (Constructor, Category, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, "", &NotFoundError{Executor: key}
	}
	return e.build, e.category, nil
}

// ValidateCategory 校验执行器声明的类别与给定类别一致。
// 配置保存时和构建客户端时都要调用，错绑要尽早拒绝而不是等到调用时。
func (r *Registry) ValidateCategory(key string, category Category) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return ok && e.category == category
}

// Default 返回类别的默认执行器标识
func (r *Registry) Default(category Category) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.defaults[category]
	return key, ok
}

// DefaultRegistry 进程内置注册表，内建执行器在此注册
var DefaultRegistry = NewRegistry()

func init() {
	DefaultRegistry.Register(ExecutorOpenAI, CategoryLLM, newOpenAIExecutor)
	DefaultRegistry.Register(ExecutorComfyUI, CategoryText2Image, newComfyUIExecutor)
	DefaultRegistry.Register(ExecutorMiniMax, CategoryImage2Video, newMiniMaxExecutor)

	DefaultRegistry.SetDefault(CategoryLLM, ExecutorOpenAI)
	DefaultRegistry.SetDefault(CategoryText2Image, ExecutorComfyUI)
	DefaultRegistry.SetDefault(CategoryImage2Video, ExecutorMiniMax)
}
