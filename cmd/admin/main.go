package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"talentgate/internal/config"
	"talentgate/internal/database"
)

// 管理工具：初始化一个租户（公司 + 招聘活动 + 岗位），供环境搭建与联调使用。
func main() {
	var (
		companyName  = flag.String("company", "", "公司名称（必填）")
		quotaLimit   = flag.Int("quota", 100, "简历配额上限")
		paidPlan     = flag.Bool("paid", false, "是否付费套餐（开启批量上传）")
		campaignName = flag.String("campaign", "", "招聘活动名称（可选，提供则一并创建并发布）")
		jobTitle     = flag.String("job", "", "岗位名称（可选，需同时提供 --campaign）")
		dbHost       = flag.String("db-host", "", "数据库 Host（可选，默认读 DATABASE_HOST）")
		dbPort       = flag.Int("db-port", 0, "数据库 Port（可选，默认读 DATABASE_PORT）")
		dbName       = flag.String("db-name", "", "数据库名（可选，默认读 POSTGRES_DB）")
		dbUser       = flag.String("db-user", "", "数据库用户（可选，默认读 POSTGRES_USER）")
		dbPass       = flag.String("db-password", "", "数据库密码（可选，默认读 POSTGRES_PASSWORD）")
		sslMode      = flag.String("db-sslmode", "", "数据库 SSLMODE（可选，默认读 DATABASE_SSLMODE）")
	)
	flag.Parse()

	name := strings.TrimSpace(*companyName)
	if name == "" {
		log.Fatal("missing required flag: --company")
	}
	if *quotaLimit <= 0 {
		log.Fatal("--quota must be positive")
	}
	if strings.TrimSpace(*jobTitle) != "" && strings.TrimSpace(*campaignName) == "" {
		log.Fatal("--job requires --campaign")
	}

	dbCfg, err := loadDatabaseConfig(*dbHost, *dbPort, *dbName, *dbUser, *dbPass, *sslMode)
	if err != nil {
		log.Fatalf("load database config: %v", err)
	}

	db, err := database.InitDatabase(dbCfg)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}

	if err := db.AutoMigrate(database.AutoMigrateModels()...); err != nil {
		log.Fatalf("auto migrate: %v", err)
	}

	var existing database.Company
	switch err := db.Where("name = ?", name).First(&existing).Error; {
	case err == nil:
		log.Fatalf("company %q already exists (id=%d)", name, existing.ID)
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		log.Fatalf("query company: %v", err)
	}

	company := database.Company{
		Name:             name,
		PaidPlan:         *paidPlan,
		ResumeQuotaLimit: *quotaLimit,
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&company).Error; err != nil {
			return fmt.Errorf("create company: %w", err)
		}

		if strings.TrimSpace(*campaignName) == "" {
			return nil
		}

		campaign := database.Campaign{
			CompanyID: company.ID,
			Name:      strings.TrimSpace(*campaignName),
			Status:    database.CampaignPublished,
		}
		if err := tx.Create(&campaign).Error; err != nil {
			return fmt.Errorf("create campaign: %w", err)
		}
		fmt.Printf("活动已创建并发布: id=%d name=%q\n", campaign.ID, campaign.Name)

		if strings.TrimSpace(*jobTitle) == "" {
			return nil
		}

		job := database.Job{
			CompanyID:  company.ID,
			CampaignID: campaign.ID,
			Title:      strings.TrimSpace(*jobTitle),
			Skills:     datatypes.JSON([]byte(`[]`)),
			Criteria:   datatypes.JSON([]byte(`[]`)),
		}
		if err := tx.Create(&job).Error; err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		fmt.Printf("岗位已创建: id=%d title=%q\n", job.ID, job.Title)

		return nil
	})
	if err != nil {
		log.Fatalf("seed tenant: %v", err)
	}

	fmt.Printf("公司已创建: id=%d name=%q quota=%d paid=%v\n",
		company.ID, company.Name, company.ResumeQuotaLimit, company.PaidPlan)
}

func loadDatabaseConfig(host string, port int, name, user, password, sslmode string) (config.DatabaseConfig, error) {
	if strings.TrimSpace(host) == "" {
		host = os.Getenv("DATABASE_HOST")
	}
	if port <= 0 {
		if env := strings.TrimSpace(os.Getenv("DATABASE_PORT")); env != "" {
			p, err := strconv.Atoi(env)
			if err != nil {
				return config.DatabaseConfig{}, fmt.Errorf("parse DATABASE_PORT: %w", err)
			}
			port = p
		}
	}
	if strings.TrimSpace(name) == "" {
		name = os.Getenv("POSTGRES_DB")
	}
	if strings.TrimSpace(user) == "" {
		user = os.Getenv("POSTGRES_USER")
	}
	if strings.TrimSpace(password) == "" {
		password = os.Getenv("POSTGRES_PASSWORD")
	}
	if strings.TrimSpace(sslmode) == "" {
		sslmode = os.Getenv("DATABASE_SSLMODE")
	}

	if strings.TrimSpace(host) == "" {
		host = "localhost"
	}
	if port <= 0 {
		port = 5432
	}
	if strings.TrimSpace(sslmode) == "" {
		sslmode = "disable"
	}
	if strings.TrimSpace(name) == "" {
		return config.DatabaseConfig{}, errors.New("database name is required (POSTGRES_DB)")
	}
	if strings.TrimSpace(user) == "" {
		return config.DatabaseConfig{}, errors.New("database user is required (POSTGRES_USER)")
	}
	if strings.TrimSpace(password) == "" {
		return config.DatabaseConfig{}, errors.New("database password is required (POSTGRES_PASSWORD)")
	}

	return config.DatabaseConfig{
		Host:     host,
		Port:     port,
		Name:     name,
		User:     user,
		Password: password,
		SSLMode:  sslmode,
	}, nil
}
