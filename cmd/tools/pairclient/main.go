package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/mdp/qrterminal/v3"
)

type frame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	defaultURL := os.Getenv("PAIRCLIENT_URL")
	if defaultURL == "" {
		defaultURL = "ws://localhost:5001/ws"
	}

	url := flag.String("url", defaultURL, "网关 WebSocket 地址")
	owner := flag.String("owner", os.Getenv("PAIRCLIENT_OWNER"), "面板 owner key，可为空")
	test := flag.Bool("test", true, "认证成功后执行 check_connection 测试")
	timeout := flag.Duration("timeout", 10*time.Minute, "整体等待时间")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *url, nil)
	if err != nil {
		log.Fatalf("连接网关失败: %v", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	req := frame{Type: "get_qr"}
	if *owner != "" {
		req.Data = map[string]any{"owner_key": *owner}
	}
	if err := conn.WriteJSON(req); err != nil {
		log.Fatalf("发送 get_qr 失败: %v", err)
	}

	if err := follow(conn, os.Stdout, *test); err != nil && ctx.Err() == nil {
		log.Fatalf("会话异常结束: %v", err)
	}
}

// follow prints gateway frames until the session disconnects.
func follow(conn *websocket.Conn, out io.Writer, runTest bool) error {
	for {
		var msg frame
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}

		switch msg.Type {
		case "connected":
			fmt.Fprintf(out, "已连接，client_id=%v\n", msg.Data["client_id"])
		case "qr_code":
			payload, _ := msg.Data["qr_data"].(string)
			fmt.Fprintf(out, "会话 %s 二维码 (real=%v):\n", msg.SessionID, msg.Data["is_real"])
			if payload != "" {
				qrterminal.GenerateHalfBlock(payload, qrterminal.L, out)
			}
		case "authenticated":
			fmt.Fprintf(out, "认证成功: %v\n", msg.Data["phone_number"])
			if runTest {
				err := conn.WriteJSON(frame{
					Type:      "test_whatsapp",
					SessionID: msg.SessionID,
					Data:      map[string]any{"action": "check_connection"},
				})
				if err != nil {
					return err
				}
			}
		case "disconnected":
			fmt.Fprintf(out, "会话已断开: %v\n", msg.Data["reason"])
			return nil
		case "error":
			fmt.Fprintf(out, "错误: %v\n", msg.Data["message"])
		default:
			raw, _ := json.Marshal(msg.Data)
			fmt.Fprintf(out, "%s %s\n", strings.ToUpper(msg.Type), raw)
		}
	}
}
