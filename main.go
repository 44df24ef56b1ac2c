package main

import (
	"fmt"
	"log"

	"AIStory-server/config"
	"AIStory-server/models"
	"AIStory-server/pipeline"
	"AIStory-server/routers"
	"AIStory-server/service"

	"github.com/redis/go-redis/v9"
)

func main() {
	config.InitConfig()
	fmt.Println("Server starting on port", config.AppConfig.Server.Port)
	models.InitDB()
	fmt.Println("Database initialized")

	service.InitMinIO()
	fmt.Println("MinIO initialized")

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
		DB:       config.AppConfig.Redis.DB,
	})
	bridge := service.NewStreamBridge(rdb)

	workflow := service.NewWorkflowService(models.GormDB)
	queue := service.NewQueueService(config.AppConfig)
	defer queue.Close()

	clients := pipeline.NewDBClientSource(models.GormDB)
	processor := service.NewStageTaskProcessor(
		models.GormDB, workflow, bridge, queue, config.AppConfig,
		clients, service.RehostArtifact,
	)
	go func() {
		if err := processor.Run(); err != nil {
			log.Fatalf("任务消费者退出: %v", err)
		}
	}()
	fmt.Println("Worker started")

	r := routers.InitRouter(models.GormDB, workflow, queue, bridge)
	r.Run(config.AppConfig.Server.Port)
}
