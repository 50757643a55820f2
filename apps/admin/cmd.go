package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/trezcool/darasa/core"
	"github.com/trezcool/darasa/core/course"
	"github.com/trezcool/darasa/core/user"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	conf    *core.Config
	db      *sql.DB
	usrRepo user.Repository
	crsRepo course.Repository
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  createdb - create the database and its user if they do not exist")
	fmt.Println("  migrate COMMAND [args] - run a goose migration command (up, down, status, ...)")
	fmt.Println("  adduser -username USERNAME -email EMAIL [-admin|-instructor] - update or create a user")
	fmt.Println("  addcourse -instructor USERNAME|EMAIL -name NAME -capacity N -starts RFC3339 [-publish] - create a course")
	fmt.Println("  resetpassword -username USERNAME|EMAIL - reset user's password")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	addUserCmd := flag.NewFlagSet("adduser", flag.ExitOnError)
	addUserUname := addUserCmd.String("username", "", "The user's username. The password will be prompted next.")
	addUserEmail := addUserCmd.String("email", "", "The user's email.")
	addUserAdmin := addUserCmd.Bool("admin", false, "Grant all roles to the user.")
	addUserInstructor := addUserCmd.Bool("instructor", false, "Make the user an instructor.")

	addCourseCmd := flag.NewFlagSet("addcourse", flag.ExitOnError)
	addCourseInstructor := addCourseCmd.String("instructor", "", "The instructor's username or email.")
	addCourseName := addCourseCmd.String("name", "", "The course name.")
	addCourseDesc := addCourseCmd.String("description", "", "The course description.")
	addCourseCapacity := addCourseCmd.Int("capacity", 0, "The maximum number of enrolled students.")
	addCourseStarts := addCourseCmd.String("starts", "", "The course start time (RFC3339).")
	addCoursePublish := addCourseCmd.Bool("publish", false, "Publish the course immediately.")

	resetPasswordCmd := flag.NewFlagSet("resetpassword", flag.ExitOnError)
	resetPasswordUname := resetPasswordCmd.String("username", "", "The user's username or email. The password will be prompted next.")

	switch args[1] {
	case "createdb":
		return cli.createDB()
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "adduser":
		if err := addUserCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *addUserUname == "" || *addUserEmail == "" {
			addUserCmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword()
		if err != nil {
			return err
		}
		if pwd == "" {
			addUserCmd.Usage()
			return errHelp
		}
		return cli.addUser(*addUserUname, *addUserEmail, pwd, *addUserAdmin, *addUserInstructor)
	case "addcourse":
		if err := addCourseCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *addCourseInstructor == "" || *addCourseName == "" || *addCourseCapacity < 1 || *addCourseStarts == "" {
			addCourseCmd.Usage()
			return errHelp
		}
		startsAt, err := time.Parse(time.RFC3339, *addCourseStarts)
		if err != nil {
			return fmt.Errorf("invalid -starts value %q: %v", *addCourseStarts, err)
		}
		return cli.addCourse(*addCourseInstructor, *addCourseName, *addCourseDesc, *addCourseCapacity, startsAt, *addCoursePublish)
	case "resetpassword":
		if err := resetPasswordCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *resetPasswordUname == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword()
		if err != nil {
			return err
		}
		if pwd == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		return cli.resetPassword(*resetPasswordUname, pwd)
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) promptPassword() (string, error) {
	fmt.Print("Enter password:")
	pwd, err := readPasswordFunc(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(pwd), nil
}
