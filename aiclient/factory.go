package aiclient

import (
	"fmt"
	"log"

	"AIStory-server/models"
)

// BuildClient 根据提供商配置构建客户端（使用内置注册表）
func BuildClient(p *models.ModelProvider) (Client, error) {
	return BuildClientWith(DefaultRegistry, p)
}

// BuildClientWith 根据提供商配置构建客户端。
// 失败情形（均为 ConfigurationError，不可重试）：
//   - 未配置执行器且类别无默认执行器
//   - 执行器标识未注册
//   - 执行器声明类别与提供商类别不一致
func BuildClientWith(r *Registry, p *models.ModelProvider) (Client, error) {
	if p == nil {
		return nil, &ConfigurationError{Provider: "", Reason: "provider is nil"}
	}

	category := Category(p.Category)
	key := p.Executor
	if key == "" {
		def, ok := r.Default(category)
		if !ok {
			return nil, &ConfigurationError{
				Provider: p.Name,
				Reason:   fmt.Sprintf("no executor configured and no default for category %q", p.Category),
			}
		}
		key = def
		log.Printf("提供商 %s 未配置执行器，回退到类别默认: %s", p.Name, key)
	}

	build, declared, err := r.Resolve(key)
	if err != nil {
		return nil, &ConfigurationError{
			Provider: p.Name,
			Reason:   err.Error(),
		}
	}

	if declared != category {
		return nil, &ConfigurationError{
			Provider: p.Name,
			Reason: fmt.Sprintf("executor %q declares category %q, provider declares %q",
				key, declared, p.Category),
		}
	}

	client, err := build(p)
	if err != nil {
		return nil, &ConfigurationError{Provider: p.Name, Reason: err.Error()}
	}
	return client, nil
}

// BuildLLM 构建并断言为 LLM 客户端
func BuildLLM(r *Registry, p *models.ModelProvider) (LLMClient, error) {
	c, err := BuildClientWith(r, p)
	if err != nil {
		return nil, err
	}
	llm, ok := c.(LLMClient)
	if !ok {
		return nil, &ConfigurationError{Provider: p.Name, Reason: "executor does not implement LLM capability"}
	}
	return llm, nil
}

// BuildText2Image 构建并断言为文生图客户端
func BuildText2Image(r *Registry, p *models.ModelProvider) (Text2ImageClient, error) {
	c, err := BuildClientWith(r, p)
	if err != nil {
		return nil, err
	}
	t2i, ok := c.(Text2ImageClient)
	if !ok {
		return nil, &ConfigurationError{Provider: p.Name, Reason: "executor does not implement text2image capability"}
	}
	return t2i, nil
}

// BuildImage2Video 构建并断言为图生视频客户端
func BuildImage2Video(r *Registry, p *models.ModelProvider) (Image2VideoClient, error) {
	c, err := BuildClientWith(r, p)
	if err != nil {
		return nil, err
	}
	i2v, ok := c.(Image2VideoClient)
	if !ok {
		return nil, &ConfigurationError{Provider: p.Name, Reason: "executor does not implement image2video capability"}
	}
	return i2v, nil
}
