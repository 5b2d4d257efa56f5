package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"vidmatch/backend/internal/report"
	"vidmatch/backend/internal/storage"
)

func main() {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		os.Getenv("DB_HOST"),
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		os.Getenv("DB_NAME"),
		os.Getenv("DB_PORT"),
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	storageSvc := storage.NewStorageService(db, nil) // No redis needed for admin CLI
	reportSvc := report.NewService(storageSvc)

	if len(os.Args) < 2 {
		fmt.Println("Usage: admin <command> [args]")
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "close-room":
		if len(os.Args) != 3 {
			fmt.Println("Usage: admin close-room <room_id>")
			os.Exit(1)
		}
		roomID := os.Args[2]
		if err := storageSvc.CloseRoom(roomID); err != nil {
			log.Fatalf("Error closing room: %v", err)
		}
		fmt.Printf("Room %s has been closed.\n", roomID)
	case "confirm-report":
		if len(os.Args) != 3 {
			fmt.Println("Usage: admin confirm-report <report_id>")
			os.Exit(1)
		}
		reportID, err := strconv.Atoi(os.Args[2])
		if err != nil {
			fmt.Println("Invalid report ID. Please provide an integer.")
			os.Exit(1)
		}
		rep, err := storageSvc.GetReportByID(uint(reportID))
		if err != nil {
			log.Fatalf("Error loading report: %v", err)
		}
		if err := reportSvc.Confirm(rep); err != nil {
			log.Fatalf("Error confirming report: %v", err)
		}
		fmt.Printf("Report %d confirmed, rating penalty applied to %s.\n", reportID, rep.TargetID)
	case "stats":
		roomIDs, err := storageSvc.GetActiveRoomIDs()
		if err != nil {
			log.Fatalf("Error loading stats: %v", err)
		}
		fmt.Printf("Active rooms: %d\n", len(roomIDs))
		for _, id := range roomIDs {
			fmt.Println("  " + id)
		}
	default:
		fmt.Println("Unknown command")
		os.Exit(1)
	}
}
