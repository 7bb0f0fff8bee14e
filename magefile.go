//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Default 默认任务：显示帮助信息
func Default() {
	fmt.Println("finapi 构建系统")
	fmt.Println("================")
	fmt.Println("可用任务:")
	fmt.Println("  mage build       - 构建所有二进制文件")
	fmt.Println("  mage test        - 运行所有测试")
	fmt.Println("  mage testRace    - 带竞态检测运行测试")
	fmt.Println("  mage benchmark   - 运行性能基准测试")
	fmt.Println("  mage monitor     - 本地启动监控服务")
	fmt.Println("  mage sweep       - 清理本地缓存中的过期条目")
	fmt.Println("  mage clean       - 清理构建产物")
	fmt.Println("  mage lint        - 运行代码检查")
	fmt.Println("  mage coverage    - 生成测试覆盖率报告")
}

var targets = []struct {
	name string
	path string
}{
	{"apimonitor", "./cmd/apimonitor"},
	{"cachectl", "./cmd/cachectl"},
}

// Build 构建所有二进制文件
func Build() error {
	mg.Deps(Clean)

	fmt.Println("🚀 开始构建 finapi 组件...")

	for _, target := range targets {
		fmt.Printf("📦 构建 %s...\n", target.name)
		output := filepath.Join("./dist", target.name)
		if runtime.GOOS == "windows" {
			output += ".exe"
		}

		// modernc.org/sqlite 是纯 Go 实现，可以关闭 cgo
		cmd := exec.Command("go", "build", "-o", output, target.path)
		cmd.Env = append(os.Environ(), "CGO_ENABLED=0")

		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("构建 %s 失败: %v\n输出: %s", target.name, err, string(out))
		}

		if info, err := os.Stat(output); err == nil {
			fmt.Printf("   ✅ %s: %d MB\n", target.name, info.Size()/1024/1024)
		}
	}

	fmt.Println("🎉 所有组件构建完成!")
	return nil
}

// Test 运行所有测试
func Test() error {
	fmt.Println("🧪 运行测试...")

	cmd := exec.Command("go", "test", "./...", "-timeout=5m")
	cmd.Env = os.Environ()

	output, err := cmd.CombinedOutput()
	if err != nil {
		fmt.Printf("测试失败输出:\n%s\n", string(output))
		return fmt.Errorf("测试失败: %v", err)
	}

	fmt.Println("✅ 测试通过!")
	return nil
}

// TestRace 带竞态检测运行测试，令牌桶、熔断器和注册表都有并发用例
func TestRace() error {
	fmt.Println("🏁 带竞态检测运行测试...")
	return sh.RunV("go", "test", "-race", "./pkg/...", "-timeout=10m")
}

// Benchmark 运行性能基准测试
func Benchmark() error {
	fmt.Println("📊 运行性能基准测试...")

	if err := os.MkdirAll("./reports", 0755); err != nil {
		return fmt.Errorf("创建报告目录失败: %v", err)
	}

	outputFile, err := os.Create("./reports/benchmark.txt")
	if err != nil {
		return fmt.Errorf("创建基准测试报告失败: %v", err)
	}
	defer outputFile.Close()

	cmd := exec.Command("go", "test", "./pkg/...", "-bench=.", "-benchmem", "-run=^$", "-timeout=15m")
	cmd.Env = os.Environ()
	cmd.Stdout = outputFile
	cmd.Stderr = outputFile

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("基准测试失败: %v", err)
	}

	fmt.Println("✅ 基准测试完成! 报告保存到 ./reports/benchmark.txt")
	return nil
}

// Monitor 本地启动监控服务
func Monitor() error {
	fmt.Println("🚀 启动监控服务...")
	return sh.RunV("go", "run", "./cmd/apimonitor", "-report")
}

// Sweep 清理本地缓存中的过期条目
func Sweep() error {
	return sh.RunV("go", "run", "./cmd/cachectl", "sweep")
}

// Clean 清理构建产物
func Clean() error {
	fmt.Println("🧹 清理构建产物...")

	if err := os.MkdirAll("./dist", 0755); err != nil {
		return fmt.Errorf("创建 dist 目录失败: %v", err)
	}

	files, err := filepath.Glob("./dist/*")
	if err != nil {
		return fmt.Errorf("查找文件失败: %v", err)
	}

	for _, file := range files {
		if err := os.Remove(file); err != nil {
			fmt.Printf("警告: 无法删除文件 %s: %v\n", file, err)
		}
	}

	if err := os.RemoveAll("./reports/coverage.out"); err != nil && !os.IsNotExist(err) {
		fmt.Printf("警告: 清理覆盖率文件失败: %v\n", err)
	}

	fmt.Println("✅ 清理完成!")
	return nil
}

// Lint 运行代码检查并自动修复格式
func Lint() error {
	fmt.Println("🔍 运行代码检查...")

	output, err := exec.Command("gofmt", "-l", ".").CombinedOutput()
	if err != nil {
		return fmt.Errorf("gofmt 检查失败: %v", err)
	}

	if files := strings.TrimSpace(string(output)); files != "" {
		fmt.Printf("发现代码格式问题:\n%s\n", files)
		fmt.Println("🛠️  正在自动修复格式问题...")
		if err := sh.Run("gofmt", "-w", "."); err != nil {
			return fmt.Errorf("自动修复失败: %v", err)
		}
	}

	if err := sh.RunV("go", "vet", "./..."); err != nil {
		return fmt.Errorf("go vet 失败: %v", err)
	}

	fmt.Println("✅ 代码检查通过!")
	return nil
}

// Coverage 生成测试覆盖率报告
func Coverage() error {
	fmt.Println("📈 生成测试覆盖率报告...")

	if err := os.MkdirAll("./reports", 0755); err != nil {
		return fmt.Errorf("创建报告目录失败: %v", err)
	}

	cmd := exec.Command("go", "test", "./pkg/...", "-coverprofile=./reports/coverage.out", "-covermode=atomic")
	if output, err := cmd.CombinedOutput(); err != nil {
		fmt.Printf("测试输出:\n%s\n", string(output))
		return fmt.Errorf("生成覆盖率失败: %v", err)
	}

	if err := sh.Run("go", "tool", "cover", "-html=./reports/coverage.out", "-o", "./reports/coverage.html"); err != nil {
		return fmt.Errorf("生成HTML报告失败: %v", err)
	}

	if err := sh.RunV("go", "tool", "cover", "-func=./reports/coverage.out"); err != nil {
		return fmt.Errorf("显示覆盖率失败: %v", err)
	}

	fmt.Println("✅ 覆盖率报告生成完成!")
	fmt.Println("   详细报告: file://" + getAbsolutePath("./reports/coverage.html"))
	return nil
}

func getAbsolutePath(relativePath string) string {
	absPath, err := filepath.Abs(relativePath)
	if err != nil {
		return relativePath
	}
	return absPath
}
